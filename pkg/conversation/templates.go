package conversation

import (
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	TemplateOneShot  = "conv_one_shot"
	TemplateVicuna   = "vicuna_v1.1"
	TemplateKoala    = "koala_v1"
	TemplateDolly    = "dolly"
	TemplateOasst    = "oasst"
	TemplateStableLM = "stablelm"
	TemplateBondee   = "bondee"
)

var ErrUnknownTemplate = errors.New("unknown template")

type persona struct {
	keyword string
	name    string
}

// Registry maps template names to prototype conversations. Prototypes are never handed out
// directly; Get and Resolve always return copies.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Conversation
	personas  []persona
}

// NewRegistry returns a registry holding the built-in templates.
func NewRegistry() *Registry {
	r := &Registry{
		templates: map[string]*Conversation{
			TemplateOneShot:  oneShotTemplate(),
			TemplateVicuna:   vicunaTemplate(),
			TemplateKoala:    koalaTemplate(),
			TemplateDolly:    dollyTemplate(),
			TemplateOasst:    oasstTemplate(),
			TemplateStableLM: stableLMTemplate(),
			TemplateBondee:   bondeeTemplate(),
		},
	}
	r.personas = []persona{{keyword: "bondee", name: TemplateBondee}}
	return r
}

// Get returns a copy of the template registered under name.
func (r *Registry) Get(name string) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTemplate, "template %q", name)
	}
	return t.Copy(), nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]string, 0, len(r.templates))
	for n := range r.templates {
		ret = append(ret, n)
	}
	sort.Strings(ret)
	return ret
}

// ResolveName maps a free-form model identifier to a template name.
//
// Match order matters: identifiers routinely contain more than one family name, and the
// first match wins.
func (r *Registry) ResolveName(modelName string) string {
	m := strings.ToLower(modelName)
	if strings.Contains(m, "vicuna") || strings.Contains(m, "output") {
		return TemplateVicuna
	}

	r.mu.RLock()
	for _, p := range r.personas {
		if strings.Contains(m, p.keyword) {
			r.mu.RUnlock()
			return p.name
		}
	}
	r.mu.RUnlock()

	switch {
	case strings.Contains(m, "koala"):
		return TemplateKoala
	case strings.Contains(m, "dolly-v2"):
		return TemplateDolly
	case strings.Contains(m, "oasst") && strings.Contains(m, "pythia"):
		return TemplateOasst
	case strings.Contains(m, "stablelm"):
		return TemplateStableLM
	}
	return TemplateOneShot
}

// Resolve returns a copy of the default template for modelName.
func (r *Registry) Resolve(modelName string) *Conversation {
	name := r.ResolveName(modelName)
	c, err := r.Get(name)
	if err != nil {
		log.Warn().Err(err).Str("model", modelName).Msg("falling back to one-shot template")
		return oneShotTemplate()
	}
	log.Trace().Str("model", modelName).Str("template", name).Msg("resolved prompt template")
	return c
}

// ForModel returns a copy of the template a new conversation with modelName starts from:
// defaultTemplate when it names a known template, else the template resolved from modelName.
func (r *Registry) ForModel(defaultTemplate string, modelName string) *Conversation {
	if defaultTemplate != "" {
		c, err := r.Get(defaultTemplate)
		if err == nil {
			return c
		}
		log.Warn().Err(err).Str("template", defaultTemplate).Msg("falling back to model template")
	}
	return r.Resolve(modelName)
}

// IsStockSystem reports whether system is the unmodified system text of a registered
// template.
func (r *Registry) IsStockSystem(system string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.templates {
		if t.System == system {
			return true
		}
	}
	return false
}

// RegisterPersona adds a custom persona template. Model identifiers containing keyword
// resolve to it, right after the vicuna check and before the other model families.
func (r *Registry) RegisterPersona(name string, keyword string, proto *Conversation) error {
	if name == "" || keyword == "" {
		return errors.New("persona needs a name and a keyword")
	}
	if proto == nil {
		return errors.Errorf("persona %q has no template", name)
	}
	if !proto.SepStyle.Valid() {
		return errors.Wrapf(ErrInvalidStyle, "persona %q", name)
	}
	if proto.Offset < 0 || proto.Offset > len(proto.Messages) {
		return errors.Errorf("persona %q has offset %d outside of its %d messages", name, proto.Offset, len(proto.Messages))
	}
	// history is trimmed by user/assistant pairs, so both must stay even
	if proto.Offset%2 != 0 || len(proto.Messages)%2 != 0 {
		return errors.Errorf("persona %q must have whole exchanges before and after its offset", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[name]; ok && !r.isPersona(name) {
		return errors.Errorf("cannot override built-in template %q", name)
	}
	r.templates[name] = proto.Copy()

	kw := strings.ToLower(keyword)
	for i, p := range r.personas {
		if p.name == name {
			r.personas[i].keyword = kw
			return nil
		}
	}
	r.personas = append(r.personas, persona{keyword: kw, name: name})
	return nil
}

func (r *Registry) isPersona(name string) bool {
	for _, p := range r.personas {
		if p.name == name {
			return true
		}
	}
	return false
}

// PersonaFile is the YAML layout accepted by LoadPersonasYAML.
type PersonaFile struct {
	Personas []PersonaDefinition `yaml:"personas"`
}

type PersonaDefinition struct {
	Name     string         `yaml:"name"`
	Keyword  string         `yaml:"keyword"`
	System   string         `yaml:"system"`
	Roles    [2]string      `yaml:"roles"`
	Style    SeparatorStyle `yaml:"style"`
	Sep      string         `yaml:"sep"`
	Sep2     string         `yaml:"sep2"`
	Messages [][2]string    `yaml:"messages,omitempty"`
	Offset   int            `yaml:"offset,omitempty"`
}

func (p PersonaDefinition) toConversation() *Conversation {
	c := &Conversation{
		System:   p.System,
		Roles:    p.Roles,
		Offset:   p.Offset,
		SepStyle: p.Style,
		Sep:      p.Sep,
		Sep2:     p.Sep2,
	}
	for _, m := range p.Messages {
		c.AppendMessage(m[0], m[1])
	}
	return c
}

// LoadPersonasYAML registers every persona found in r.
func (r *Registry) LoadPersonasYAML(in io.Reader) error {
	var f PersonaFile
	if err := yaml.NewDecoder(in).Decode(&f); err != nil {
		if err == io.EOF {
			return nil
		}
		return errors.Wrap(err, "could not parse persona file")
	}
	for _, p := range f.Personas {
		if p.Style == 0 {
			p.Style = SeparatorStyleTwo
		}
		if err := r.RegisterPersona(p.Name, p.Keyword, p.toConversation()); err != nil {
			return err
		}
		log.Debug().Str("persona", p.Name).Str("keyword", p.Keyword).Msg("registered persona template")
	}
	return nil
}

func oneShotTemplate() *Conversation {
	return &Conversation{
		System: "A chat between a curious human and an artificial intelligence assistant. " +
			"The assistant gives helpful, detailed, and polite answers to the human's questions.",
		Roles: [2]string{"Human", "Assistant"},
		Messages: []Message{
			{
				Role: "Human",
				Text: "What are the key differences between renewable and non-renewable energy sources?",
			},
			{
				Role: "Assistant",
				Text: "Renewable energy sources are those that can be replenished naturally in a relatively " +
					"short amount of time, such as solar, wind, hydro, geothermal, and biomass. " +
					"Non-renewable energy sources, on the other hand, are finite and will eventually be " +
					"depleted, such as coal, oil, and natural gas. Here are some key differences between " +
					"renewable and non-renewable energy sources:\n" +
					"1. Availability: Renewable energy sources are virtually inexhaustible, while non-renewable " +
					"energy sources are finite and will eventually run out.\n" +
					"2. Environmental impact: Renewable energy sources have a much lower environmental impact " +
					"than non-renewable sources, which can lead to air and water pollution, greenhouse gas emissions, " +
					"and other negative effects.\n" +
					"3. Cost: Renewable energy sources can be more expensive to initially set up, but they typically " +
					"have lower operational costs than non-renewable sources.\n" +
					"4. Reliability: Renewable energy sources are often more reliable and can be used in more remote " +
					"locations than non-renewable sources.\n" +
					"5. Flexibility: Renewable energy sources are often more flexible and can be adapted to different " +
					"situations and needs, while non-renewable sources are more rigid and inflexible.\n" +
					"6. Sustainability: Renewable energy sources are more sustainable over the long term, while " +
					"non-renewable sources are not, and their depletion can lead to economic and social instability.",
			},
		},
		// the example exchange primes the model but is not part of the live history
		Offset:   2,
		SepStyle: SeparatorStyleSingle,
		Sep:      "###",
	}
}

func vicunaTemplate() *Conversation {
	return &Conversation{
		System: "A chat between a curious user and an artificial intelligence assistant. " +
			"The assistant gives helpful, detailed, and polite answers to the user's questions.",
		Roles:    [2]string{"USER", "ASSISTANT"},
		SepStyle: SeparatorStyleTwo,
		Sep:      " ",
		Sep2:     "</s>",
	}
}

func koalaTemplate() *Conversation {
	return &Conversation{
		System:   "BEGINNING OF CONVERSATION:",
		Roles:    [2]string{"USER", "GPT"},
		SepStyle: SeparatorStyleTwo,
		Sep:      " ",
		Sep2:     "</s>",
	}
}

func dollyTemplate() *Conversation {
	return &Conversation{
		System:   "Below is an instruction that describes a task. Write a response that appropriately completes the request.\n\n",
		Roles:    [2]string{"### Instruction", "### Response"},
		SepStyle: SeparatorStyleDolly,
		Sep:      "\n\n",
		Sep2:     "### End",
	}
}

func oasstTemplate() *Conversation {
	return &Conversation{
		Roles:    [2]string{"<|prompter|>", "<|assistant|>"},
		SepStyle: SeparatorStyleOasstPythia,
		Sep:      "<|endoftext|>",
	}
}

func stableLMTemplate() *Conversation {
	return &Conversation{
		System: `<|SYSTEM|># StableLM Tuned (Alpha version)
- StableLM is a helpful and harmless open-source AI language model developed by StabilityAI.
- StableLM is excited to be able to help the user, but will refuse to do anything that could be considered harmful to the user.
- StableLM is more than just an information source, StableLM is also able to write poetry, short stories, and make jokes.
- StableLM will refuse to participate in anything that could harm a human.
`,
		Roles:    [2]string{"<|USER|>", "<|ASSISTANT|>"},
		SepStyle: SeparatorStyleOasstPythia,
		Sep:      "",
	}
}

func bondeeTemplate() *Conversation {
	return &Conversation{
		System:   bondeeSystem,
		Roles:    [2]string{"USER", "ASSISTANT"},
		SepStyle: SeparatorStyleTwo,
		Sep:      " ",
		Sep2:     "</s>",
	}
}
