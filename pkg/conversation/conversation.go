package conversation

import (
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

// Message is a single turn. An empty Text marks a turn that is still waiting for generation.
type Message struct {
	Role string
	Text string
}

func (m Message) HasText() bool {
	return m.Text != ""
}

// MarshalJSON encodes a message as a [role, text] pair, with a pending text encoded as null.
func (m Message) MarshalJSON() ([]byte, error) {
	var text *string
	if m.HasText() {
		text = &m.Text
	}
	return json.Marshal([]interface{}{m.Role, text})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var pair []*string
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 || pair[0] == nil {
		return errors.Errorf("expected [role, text] pair, got %s", string(b))
	}
	m.Role = *pair[0]
	m.Text = ""
	if pair[1] != nil {
		m.Text = *pair[1]
	}
	return nil
}

// Conversation is the mutable record of a dialogue. It renders itself into the prompt
// format of the model family it was created for.
//
// A Conversation is owned by a single session at a time. Callers that need to share it
// with concurrent readers hand out Copy() results.
type Conversation struct {
	System      string
	Roles       [2]string
	Messages    []Message
	Offset      int
	SepStyle    SeparatorStyle
	Sep         string
	Sep2        string
	RoleSetting string

	SkipNext bool
	ConvID   string
}

// UserRole is the label of the first role, AssistantRole the label of the second one.
func (c *Conversation) UserRole() string {
	return c.Roles[0]
}

func (c *Conversation) AssistantRole() string {
	return c.Roles[1]
}

// GetPrompt renders the conversation from Offset onwards. It only reads fields of c.
func (c *Conversation) GetPrompt() (string, error) {
	render, ok := renderers[c.SepStyle]
	if !ok {
		return "", errors.Wrapf(ErrInvalidStyle, "style %s", c.SepStyle)
	}
	return render(c, c.RenderedMessages()), nil
}

// RenderedMessages returns the messages that take part in rendering.
func (c *Conversation) RenderedMessages() []Message {
	if c.Offset >= len(c.Messages) {
		return nil
	}
	return c.Messages[c.Offset:]
}

// AppendMessage pushes a new turn. Pass an empty text for a turn awaiting generation.
func (c *Conversation) AppendMessage(role string, text string) {
	c.Messages = append(c.Messages, Message{Role: role, Text: text})
}

// SetLastMessage replaces the text of the last turn in place.
func (c *Conversation) SetLastMessage(text string) {
	if len(c.Messages) == 0 {
		return
	}
	c.Messages[len(c.Messages)-1].Text = text
}

// LastMessage returns the last turn, if any.
func (c *Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

func (c *Conversation) Copy() *Conversation {
	return clone.Clone(c).(*Conversation)
}

// ToChatbot pairs up user and assistant turns for display. Pending texts are nil.
func (c *Conversation) ToChatbot() [][2]*string {
	ret := [][2]*string{}
	for i, m := range c.Messages {
		var text *string
		if m.HasText() {
			t := m.Text
			text = &t
		}
		if i%2 == 0 {
			ret = append(ret, [2]*string{text, nil})
		} else {
			ret[len(ret)-1][1] = text
		}
	}
	return ret
}

// PlainData is the serializable form of a Conversation handed to log collaborators.
type PlainData struct {
	System      string    `json:"system" yaml:"system"`
	Roles       [2]string `json:"roles" yaml:"roles"`
	Messages    []Message `json:"messages" yaml:"messages"`
	Offset      int       `json:"offset" yaml:"offset"`
	SepStyle    string    `json:"sep_style" yaml:"sep_style"`
	Sep         string    `json:"sep" yaml:"sep"`
	Sep2        string    `json:"sep2" yaml:"sep2"`
	ConvID      string    `json:"conv_id" yaml:"conv_id"`
	RoleSetting string    `json:"role_setting" yaml:"role_setting"`
	SkipNext    bool      `json:"skip_next" yaml:"skip_next"`
}

func (c *Conversation) ToPlainData() PlainData {
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	return PlainData{
		System:      c.System,
		Roles:       c.Roles,
		Messages:    msgs,
		Offset:      c.Offset,
		SepStyle:    c.SepStyle.String(),
		Sep:         c.Sep,
		Sep2:        c.Sep2,
		ConvID:      c.ConvID,
		RoleSetting: c.RoleSetting,
		SkipNext:    c.SkipNext,
	}
}

// NewConvID returns a random 32 character hex identifier.
func NewConvID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
