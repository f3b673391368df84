package settings

import (
	"io"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/go-go-golems/palaver/pkg/worker"
)

// Settings configures a palaver process. Library packages never read it directly, the
// CLI turns it into constructor arguments.
type Settings struct {
	ControllerURL   string `yaml:"controller_url" mapstructure:"controller-url"`
	DefaultTemplate string `yaml:"default_template,omitempty" mapstructure:"default-template"`
	PersonasFile    string `yaml:"personas_file,omitempty" mapstructure:"personas-file"`

	Moderate        bool   `yaml:"moderate" mapstructure:"moderate"`
	OpenAIAPIKey    string `yaml:"openai_api_key,omitempty" mapstructure:"openai-api-key"`
	OpenAIBaseURL   string `yaml:"openai_base_url,omitempty" mapstructure:"openai-base-url"`
	ModerationModel string `yaml:"moderation_model,omitempty" mapstructure:"moderation-model"`

	Temperature  float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxNewTokens int     `yaml:"max_new_tokens" mapstructure:"max-new-tokens"`
	TokenBudget  int     `yaml:"token_budget" mapstructure:"token-budget"`
	InputCutoff  int     `yaml:"input_cutoff" mapstructure:"input-cutoff"`

	LookupTimeout  time.Duration `yaml:"lookup_timeout" mapstructure:"lookup-timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect-timeout"`
	HeaderTimeout  time.Duration `yaml:"header_timeout" mapstructure:"header-timeout"`
	FramePacing    time.Duration `yaml:"frame_pacing" mapstructure:"frame-pacing"`

	LogDir      string `yaml:"log_dir" mapstructure:"log-dir"`
	MetricsAddr string `yaml:"metrics_addr,omitempty" mapstructure:"metrics-addr"`
}

func NewSettings() *Settings {
	return &Settings{
		ControllerURL: "http://localhost:21001",
		Temperature:   0.7,
		MaxNewTokens:  512,
		TokenBudget:   1792,
		InputCutoff:   1536,

		LookupTimeout:  5 * time.Second,
		ConnectTimeout: 5 * time.Second,
		HeaderTimeout:  20 * time.Second,
		FramePacing:    20 * time.Millisecond,

		LogDir: ".",
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// LoadYAML overlays the fields present in r onto a copy of s.
func (s *Settings) LoadYAML(r io.Reader) (*Settings, error) {
	ret := s.Clone()
	if err := yaml.NewDecoder(r).Decode(ret); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "could not parse settings")
	}
	return ret, nil
}

// FromViper overlays the keys known to v onto the defaults.
func FromViper(v *viper.Viper) (*Settings, error) {
	ret := NewSettings()
	if err := v.Unmarshal(ret); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	return ret, ret.Validate()
}

func (s *Settings) Validate() error {
	if err := worker.DefaultAddressPolicy().Validate(s.ControllerURL); err != nil {
		return errors.Wrap(err, "controller url")
	}
	if s.DefaultTemplate != "" {
		if _, err := conversation.NewRegistry().Get(s.DefaultTemplate); err != nil && s.PersonasFile == "" {
			return errors.Wrapf(err, "default template %q", s.DefaultTemplate)
		}
	}
	if s.Moderate && s.OpenAIAPIKey == "" {
		return errors.New("moderation needs an OpenAI API key")
	}
	if s.Temperature < 0 {
		return errors.Errorf("temperature must not be negative, got %v", s.Temperature)
	}
	if s.MaxNewTokens <= 0 {
		return errors.Errorf("max new tokens must be positive, got %d", s.MaxNewTokens)
	}
	if s.TokenBudget <= 0 {
		return errors.Errorf("token budget must be positive, got %d", s.TokenBudget)
	}
	if s.InputCutoff <= 0 {
		return errors.Errorf("input cutoff must be positive, got %d", s.InputCutoff)
	}
	return nil
}
