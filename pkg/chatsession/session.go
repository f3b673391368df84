package chatsession

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/palaver/pkg/chatlog"
	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/go-go-golems/palaver/pkg/moderation"
	"github.com/go-go-golems/palaver/pkg/relay"
)

const (
	DefaultTokenBudget = 1792
	DefaultInputCutoff = 1536
)

var ErrNoConversation = errors.New("no conversation yet")

// Recorder receives conversation log records.
type Recorder interface {
	Write(rec chatlog.Record) error
}

type Config struct {
	// DefaultTemplate seeds new conversations. Empty means the template of Model.
	DefaultTemplate string
	// Model is the model new conversations are prepared for. Empty resolves to the one-shot
	// template.
	Model       string
	TokenBudget int
	InputCutoff int
	// ClientIP is recorded with every log record.
	ClientIP string
}

// Session is the state of one chat client. All methods are safe for concurrent use, a
// turn being generated holds the session until it ends.
type Session struct {
	registry   *conversation.Registry
	reconciler *relay.Reconciler
	cfg        Config

	moderator relay.Moderator
	recorder  Recorder
	counter   TokenCounter

	mu    sync.Mutex
	state *conversation.Conversation
}

type Option func(*Session)

// WithModerator gates user input on m.
func WithModerator(m relay.Moderator) Option {
	return func(s *Session) {
		s.moderator = m
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		s.recorder = r
	}
}

// WithTokenCounter enables trimming the history to the token budget.
func WithTokenCounter(c TokenCounter) Option {
	return func(s *Session) {
		s.counter = c
	}
}

func NewSession(registry *conversation.Registry, reconciler *relay.Reconciler, cfg Config, options ...Option) *Session {
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultTokenBudget
	}
	if cfg.InputCutoff <= 0 {
		cfg.InputCutoff = DefaultInputCutoff
	}
	s := &Session{
		registry:   registry,
		reconciler: reconciler,
		cfg:        cfg,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Session) ensureState() *conversation.Conversation {
	if s.state != nil {
		return s.state
	}
	s.state = s.registry.ForModel(s.cfg.DefaultTemplate, s.cfg.Model)
	return s.state
}

// Conversation returns a copy of the current conversation, or nil before the first input.
func (s *Session) Conversation() *conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil
	}
	return s.state.Copy()
}

// AddText appends a user turn and a pending assistant turn. The returned notice is
// meant for the user, it is set when the input was rejected by moderation.
// Empty or rejected input makes the next Generate a no-op.
func (s *Session) AddText(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.ensureState()
	log.Info().Str("ip", s.cfg.ClientIP).Int("len", len([]rune(text))).Msg("add text")

	if text == "" {
		c.SkipNext = true
		return "", nil
	}
	if s.moderator != nil {
		flagged, err := s.moderator.Violates(ctx, text)
		if err != nil {
			log.Warn().Err(err).Msg("moderation failed, accepting input")
		}
		if flagged {
			log.Info().Str("ip", s.cfg.ClientIP).Str("text", text).Msg("violates moderation")
			c.SkipNext = true
			return moderation.ViolationMsg, nil
		}
	}

	if r := []rune(text); len(r) > s.cfg.InputCutoff {
		text = string(r[:s.cfg.InputCutoff])
	}
	c.AppendMessage(c.UserRole(), text)
	c.AppendMessage(c.AssistantRole(), "")

	if s.counter != nil {
		if err := s.limitTokens(c); err != nil {
			return "", err
		}
	}
	c.SkipNext = false
	return "", nil
}

// LimitTokens drops whole exchanges from the rendered history until the prompt fits the
// token budget. The last exchange is always kept.
func (s *Session) LimitTokens() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.counter == nil {
		return nil
	}
	return s.limitTokens(s.state)
}

func (s *Session) limitTokens(c *conversation.Conversation) error {
	if len(c.Messages) == 0 {
		return nil
	}
	old := c.Offset
	for {
		prompt, err := c.GetPrompt()
		if err != nil {
			return err
		}
		n, err := s.counter.Count(prompt)
		if err != nil {
			return errors.Wrap(err, "could not count prompt tokens")
		}
		if n <= s.cfg.TokenBudget || c.Offset >= len(c.Messages)-2 {
			break
		}
		c.Offset += 2
	}
	if c.Offset != old {
		log.Info().Int("from", old).Int("to", c.Offset).Msg("update the messages offset")
	}
	return nil
}

// Regenerate clears the last answer so the next Generate produces a new one.
func (s *Session) Regenerate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || len(s.state.Messages) == 0 {
		return ErrNoConversation
	}
	s.state.SetLastMessage("")
	s.state.SkipNext = false
	return nil
}

func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
}

func (s *Session) UpdateRoleSetting(roleSetting string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureState().RoleSetting = roleSetting
}

func (s *Session) UpdateSystemPrompt(system string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureState().System = system
}

// Generate runs one turn and passes every snapshot to fn. Returning an error from fn
// abandons the turn. A turn that ends in DONE is recorded as a chat log entry.
func (s *Session) Generate(ctx context.Context, model string, params relay.Params, fn func(relay.Snapshot) error) (relay.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.ensureState()
	start := time.Now()

	stream := s.reconciler.Start(ctx, c, model, params)
	defer func() {
		_ = stream.Close()
	}()

	for stream.Next() {
		if err := fn(stream.Snapshot()); err != nil {
			_ = stream.Close()
			return stream.State(), err
		}
	}

	if stream.State() == relay.StateDone {
		last, _ := c.LastMessage()
		log.Info().Str("model", model).Str("output", last.Text).Msg("turn finished")
		_ = s.record(chatlog.TypeChat, model, &params, start)
	}
	return stream.State(), stream.Err()
}

// Vote records an upvote, downvote or flag for the current conversation.
func (s *Session) Vote(kind string, model string) error {
	switch kind {
	case chatlog.TypeUpvote, chatlog.TypeDownvote, chatlog.TypeFlag:
	default:
		return errors.Errorf("unknown vote %q", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return ErrNoConversation
	}
	log.Info().Str("ip", s.cfg.ClientIP).Str("vote", kind).Msg("vote")
	return s.record(kind, model, nil, time.Time{})
}

func (s *Session) record(kind string, model string, params *relay.Params, start time.Time) error {
	if s.recorder == nil {
		return nil
	}
	rec := chatlog.Record{
		Type:  kind,
		Model: model,
		State: s.state.ToPlainData(),
		IP:    s.cfg.ClientIP,
	}
	if params != nil {
		now := time.Now()
		startTs := chatlog.Timestamp(start)
		finishTs := chatlog.Timestamp(now)
		rec.Tstamp = finishTs
		rec.Start = &startTs
		rec.Finish = &finishTs
		rec.GenParams = &chatlog.GenParams{
			Temperature:  params.Temperature,
			MaxNewTokens: params.MaxNewTokens,
		}
	}
	if err := s.recorder.Write(rec); err != nil {
		log.Error().Err(err).Str("type", kind).Msg("could not write conversation log")
		return err
	}
	return nil
}
