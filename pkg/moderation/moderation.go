package moderation

import (
	"context"

	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// ViolationMsg replaces user input rejected by a moderator.
const ViolationMsg = "YOUR INPUT VIOLATES OUR CONTENT MODERATION GUIDELINES. PLEASE TRY AGAIN."

// OpenAIModerator checks text against the OpenAI moderation endpoint.
type OpenAIModerator struct {
	client *go_openai.Client
	model  string
}

type Option func(*OpenAIModerator)

// WithModel picks the moderation model, for example "text-moderation-stable".
func WithModel(model string) Option {
	return func(m *OpenAIModerator) {
		m.model = model
	}
}

// NewOpenAIModerator creates a moderator. An empty baseURL uses the public OpenAI API.
func NewOpenAIModerator(apiKey string, baseURL string, options ...Option) *OpenAIModerator {
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	m := &OpenAIModerator{
		client: go_openai.NewClientWithConfig(config),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Violates reports whether text is flagged. API failures are logged and count as not
// flagged, so an unreachable moderation service never blocks chatting.
func (m *OpenAIModerator) Violates(ctx context.Context, text string) (bool, error) {
	resp, err := m.client.Moderations(ctx, go_openai.ModerationRequest{
		Input: text,
		Model: m.model,
	})
	if err != nil {
		log.Warn().Err(err).Msg("moderation request failed")
		return false, nil
	}
	for _, r := range resp.Results {
		if r.Flagged {
			log.Info().Str("moderation_id", resp.ID).Msg("input flagged")
			return true, nil
		}
	}
	return false, nil
}

// Nop never flags anything.
type Nop struct{}

func (Nop) Violates(context.Context, string) (bool, error) {
	return false, nil
}
