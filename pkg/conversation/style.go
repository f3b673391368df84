package conversation

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// SeparatorStyle selects how a Conversation is rendered into a prompt.
type SeparatorStyle int

const (
	SeparatorStyleSingle SeparatorStyle = iota + 1
	SeparatorStyleTwo
	SeparatorStyleDolly
	SeparatorStyleOasstPythia
)

var ErrInvalidStyle = errors.New("invalid separator style")

// renderFunc renders the leading system text followed by the given slice of messages.
type renderFunc func(c *Conversation, msgs []Message) string

// renderers is the closed set of styles. Every SeparatorStyle constant has exactly one entry.
var renderers = map[SeparatorStyle]renderFunc{
	SeparatorStyleSingle:      renderSingle,
	SeparatorStyleTwo:         renderTwo,
	SeparatorStyleDolly:       renderDolly,
	SeparatorStyleOasstPythia: renderOasstPythia,
}

var styleNames = map[SeparatorStyle]string{
	SeparatorStyleSingle:      "single",
	SeparatorStyleTwo:         "two",
	SeparatorStyleDolly:       "dolly",
	SeparatorStyleOasstPythia: "oasst_pythia",
}

func (s SeparatorStyle) String() string {
	if n, ok := styleNames[s]; ok {
		return n
	}
	return fmt.Sprintf("SeparatorStyle(%d)", int(s))
}

func (s SeparatorStyle) Valid() bool {
	_, ok := renderers[s]
	return ok
}

// ParseSeparatorStyle maps a style name (as used in persona files) to a SeparatorStyle.
func ParseSeparatorStyle(name string) (SeparatorStyle, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for s, sn := range styleNames {
		if sn == n {
			return s, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidStyle, "unknown style %q", name)
}

func (s SeparatorStyle) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s *SeparatorStyle) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	v, err := ParseSeparatorStyle(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func renderSingle(c *Conversation, msgs []Message) string {
	var b strings.Builder
	b.WriteString(c.System)
	if c.RoleSetting != "" {
		b.WriteString(" ")
		b.WriteString(c.RoleSetting)
	}
	for _, m := range msgs {
		b.WriteString(c.Sep)
		b.WriteString(" ")
		b.WriteString(m.Role)
		if m.HasText() {
			b.WriteString(": ")
			b.WriteString(m.Text)
		} else {
			b.WriteString(":")
		}
	}
	return b.String()
}

func renderTwo(c *Conversation, msgs []Message) string {
	seps := [2]string{c.Sep, c.Sep2}
	var b strings.Builder
	b.WriteString(c.System)
	b.WriteString(" ")
	b.WriteString(c.RoleSetting)
	b.WriteString(seps[0])
	for i, m := range msgs {
		b.WriteString(m.Role)
		if m.HasText() {
			b.WriteString(": ")
			b.WriteString(m.Text)
			b.WriteString(seps[i%2])
		} else {
			b.WriteString(":")
		}
	}
	return b.String()
}

func renderDolly(c *Conversation, msgs []Message) string {
	seps := [2]string{c.Sep, c.Sep2}
	var b strings.Builder
	b.WriteString(c.System)
	if c.RoleSetting != "" {
		b.WriteString(" ")
		b.WriteString(c.RoleSetting)
	}
	for i, m := range msgs {
		b.WriteString(m.Role)
		b.WriteString(":\n")
		if m.HasText() {
			b.WriteString(m.Text)
			b.WriteString(seps[i%2])
			if i%2 == 1 {
				b.WriteString("\n\n")
			}
		}
	}
	return b.String()
}

// renderOasstPythia treats roles as literal tag tokens: no colon, no space.
func renderOasstPythia(c *Conversation, msgs []Message) string {
	var b strings.Builder
	b.WriteString(c.System)
	for _, m := range msgs {
		b.WriteString(m.Role)
		if m.HasText() {
			b.WriteString(m.Text)
			b.WriteString(c.Sep)
		}
	}
	return b.String()
}
