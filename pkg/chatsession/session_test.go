package chatsession

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/palaver/pkg/chatlog"
	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/go-go-golems/palaver/pkg/moderation"
	"github.com/go-go-golems/palaver/pkg/relay"
	"github.com/go-go-golems/palaver/pkg/worker"
)

type staticDirectory string

func (d staticDirectory) WorkerAddress(context.Context, string) (string, error) {
	return string(d), nil
}

// echoGenerator answers like a worker: the decoded prompt followed by answer.
type echoGenerator struct {
	answer  string
	calls   int
	prompts []string
}

func (g *echoGenerator) GenerateStream(ctx context.Context, addr string, req worker.GenerateRequest) (io.ReadCloser, error) {
	g.calls++
	prompt, _ := req.Prompt.(string)
	g.prompts = append(g.prompts, prompt)
	prompt = strings.ReplaceAll(prompt, "</s>", " ")
	b, err := json.Marshal(worker.Frame{Text: prompt + " " + g.answer})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(string(b) + "\x00")), nil
}

type memoryRecorder struct {
	records []chatlog.Record
}

func (m *memoryRecorder) Write(rec chatlog.Record) error {
	m.records = append(m.records, rec)
	return nil
}

type fixedModerator struct {
	flagged bool
	err     error
}

func (f fixedModerator) Violates(context.Context, string) (bool, error) {
	return f.flagged, f.err
}

// userTurnCounter counts one token per user turn in the prompt.
type userTurnCounter struct{}

func (userTurnCounter) Count(text string) (int, error) {
	return strings.Count(text, "USER:"), nil
}

func newTestSession(gen relay.Generator, cfg Config, options ...Option) *Session {
	registry := conversation.NewRegistry()
	r := relay.NewReconciler(staticDirectory("http://worker"), gen, registry, relay.Config{
		DefaultTemplate: cfg.DefaultTemplate,
	})
	return NewSession(registry, r, cfg, options...)
}

func collect(snaps *[]relay.Snapshot) func(relay.Snapshot) error {
	return func(s relay.Snapshot) error {
		*snaps = append(*snaps, s)
		return nil
	}
}

func TestTurnIsRecorded(t *testing.T) {
	gen := &echoGenerator{answer: "Hello there"}
	rec := &memoryRecorder{}
	s := newTestSession(gen, Config{DefaultTemplate: conversation.TemplateVicuna, ClientIP: "10.0.0.1"}, WithRecorder(rec))
	ctx := context.Background()

	notice, err := s.AddText(ctx, "hi")
	require.NoError(t, err)
	assert.Empty(t, notice)

	var snaps []relay.Snapshot
	state, err := s.Generate(ctx, "vicuna-13b", relay.Params{Temperature: 0.7, MaxNewTokens: 512}, collect(&snaps))
	require.NoError(t, err)
	assert.Equal(t, relay.StateDone, state)
	require.Len(t, snaps, 2)

	c := s.Conversation()
	require.NotNil(t, c)
	last, _ := c.LastMessage()
	assert.Equal(t, "Hello there", last.Text)
	assert.Len(t, c.ConvID, 32)

	require.Len(t, rec.records, 1)
	r := rec.records[0]
	assert.Equal(t, chatlog.TypeChat, r.Type)
	assert.Equal(t, "vicuna-13b", r.Model)
	assert.Equal(t, "10.0.0.1", r.IP)
	assert.Equal(t, c.ConvID, r.State.ConvID)
	require.NotNil(t, r.GenParams)
	assert.Equal(t, 512, r.GenParams.MaxNewTokens)
	require.NotNil(t, r.Start)
	require.NotNil(t, r.Finish)
	assert.LessOrEqual(t, *r.Start, *r.Finish)
}

func TestEmptyInputSkipsGeneration(t *testing.T) {
	gen := &echoGenerator{}
	rec := &memoryRecorder{}
	s := newTestSession(gen, Config{}, WithRecorder(rec))
	ctx := context.Background()

	_, err := s.AddText(ctx, "")
	require.NoError(t, err)
	assert.True(t, s.Conversation().SkipNext)

	var snaps []relay.Snapshot
	state, err := s.Generate(ctx, "vicuna-13b", relay.Params{}, collect(&snaps))
	require.NoError(t, err)
	assert.Equal(t, relay.StateSkipped, state)
	assert.Len(t, snaps, 1)
	assert.Equal(t, 0, gen.calls)
	assert.Empty(t, rec.records)
}

func TestModeratedInput(t *testing.T) {
	s := newTestSession(&echoGenerator{}, Config{}, WithModerator(fixedModerator{flagged: true}))

	notice, err := s.AddText(context.Background(), "something bad")
	require.NoError(t, err)
	assert.Equal(t, moderation.ViolationMsg, notice)

	c := s.Conversation()
	assert.True(t, c.SkipNext)
	// only the one-shot example exchange
	assert.Len(t, c.Messages, 2)
}

func TestModerationErrorAcceptsInput(t *testing.T) {
	s := newTestSession(&echoGenerator{}, Config{}, WithModerator(fixedModerator{err: errors.New("down")}))

	notice, err := s.AddText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Empty(t, notice)
	assert.False(t, s.Conversation().SkipNext)
}

func TestInputCutoff(t *testing.T) {
	s := newTestSession(&echoGenerator{}, Config{DefaultTemplate: conversation.TemplateVicuna, InputCutoff: 5})

	_, err := s.AddText(context.Background(), "héllo world")
	require.NoError(t, err)

	c := s.Conversation()
	require.Len(t, c.Messages, 2)
	assert.Equal(t, conversation.Message{Role: "USER", Text: "héllo"}, c.Messages[0])
	assert.Equal(t, conversation.Message{Role: "ASSISTANT"}, c.Messages[1])
}

func TestLimitTokensAdvancesByExchange(t *testing.T) {
	gen := &echoGenerator{answer: "ok"}
	s := newTestSession(gen, Config{DefaultTemplate: conversation.TemplateVicuna, TokenBudget: 2}, WithTokenCounter(userTurnCounter{}))
	ctx := context.Background()

	offsets := []int{}
	for _, text := range []string{"one", "two", "three", "four"} {
		_, err := s.AddText(ctx, text)
		require.NoError(t, err)
		offsets = append(offsets, s.Conversation().Offset)
		_, err = s.Generate(ctx, "vicuna-13b", relay.Params{}, func(relay.Snapshot) error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, []int{0, 0, 2, 4}, offsets)

	p, err := s.Conversation().GetPrompt()
	require.NoError(t, err)
	assert.NotContains(t, p, "USER: two")
	assert.Contains(t, p, "USER: three")
	assert.Contains(t, p, "USER: four")
}

type hugeCounter struct{}

func (hugeCounter) Count(string) (int, error) {
	return 1 << 20, nil
}

func TestLimitTokensKeepsLastExchange(t *testing.T) {
	gen := &echoGenerator{answer: "ok"}
	s := newTestSession(gen, Config{DefaultTemplate: conversation.TemplateVicuna}, WithTokenCounter(hugeCounter{}))
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		_, err := s.AddText(ctx, text)
		require.NoError(t, err)
		_, err = s.Generate(ctx, "vicuna-13b", relay.Params{}, func(relay.Snapshot) error { return nil })
		require.NoError(t, err)
	}
	c := s.Conversation()
	assert.Equal(t, len(c.Messages)-2, c.Offset)
	require.NoError(t, s.LimitTokens())
	assert.Equal(t, len(c.Messages)-2, s.Conversation().Offset)
}

func TestRegenerate(t *testing.T) {
	gen := &echoGenerator{answer: "first"}
	s := newTestSession(gen, Config{DefaultTemplate: conversation.TemplateVicuna})
	ctx := context.Background()

	require.ErrorIs(t, s.Regenerate(), ErrNoConversation)

	_, err := s.AddText(ctx, "hi")
	require.NoError(t, err)
	_, err = s.Generate(ctx, "vicuna-13b", relay.Params{}, func(relay.Snapshot) error { return nil })
	require.NoError(t, err)
	convID := s.Conversation().ConvID

	require.NoError(t, s.Regenerate())
	last, _ := s.Conversation().LastMessage()
	assert.False(t, last.HasText())

	gen.answer = "second"
	_, err = s.Generate(ctx, "vicuna-13b", relay.Params{}, func(relay.Snapshot) error { return nil })
	require.NoError(t, err)
	c := s.Conversation()
	last, _ = c.LastMessage()
	assert.Equal(t, "second", last.Text)
	assert.Equal(t, convID, c.ConvID)
	assert.Len(t, c.Messages, 2)
}

func TestSettingsSurviveFirstRound(t *testing.T) {
	s := newTestSession(&echoGenerator{answer: "ok"}, Config{DefaultTemplate: conversation.TemplateVicuna})
	ctx := context.Background()

	s.UpdateSystemPrompt("You are a pirate.")
	s.UpdateRoleSetting("Speak briefly.")
	_, err := s.AddText(ctx, "hi")
	require.NoError(t, err)
	_, err = s.Generate(ctx, "vicuna-13b", relay.Params{}, func(relay.Snapshot) error { return nil })
	require.NoError(t, err)

	c := s.Conversation()
	assert.Equal(t, "You are a pirate.", c.System)
	assert.Equal(t, "Speak briefly.", c.RoleSetting)
}

func TestGenerateCallbackErrorAbandons(t *testing.T) {
	s := newTestSession(&echoGenerator{answer: "ok"}, Config{DefaultTemplate: conversation.TemplateVicuna})
	ctx := context.Background()
	_, err := s.AddText(ctx, "hi")
	require.NoError(t, err)

	stop := errors.New("client went away")
	state, err := s.Generate(ctx, "vicuna-13b", relay.Params{}, func(relay.Snapshot) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, relay.StateErrored, state)
}

func TestVote(t *testing.T) {
	rec := &memoryRecorder{}
	s := newTestSession(&echoGenerator{}, Config{ClientIP: "1.2.3.4"}, WithRecorder(rec))

	require.ErrorIs(t, s.Vote(chatlog.TypeUpvote, "vicuna-13b"), ErrNoConversation)

	_, err := s.AddText(context.Background(), "hi")
	require.NoError(t, err)
	for _, kind := range []string{chatlog.TypeUpvote, chatlog.TypeDownvote, chatlog.TypeFlag} {
		require.NoError(t, s.Vote(kind, "vicuna-13b"))
	}
	assert.Error(t, s.Vote("meh", "vicuna-13b"))

	require.Len(t, rec.records, 3)
	for _, r := range rec.records {
		assert.Nil(t, r.GenParams)
		assert.Equal(t, "1.2.3.4", r.IP)
	}
	assert.Equal(t, chatlog.TypeFlag, rec.records[2].Type)
}

func TestClear(t *testing.T) {
	s := newTestSession(&echoGenerator{}, Config{})
	_, err := s.AddText(context.Background(), "hi")
	require.NoError(t, err)
	require.NotNil(t, s.Conversation())

	s.Clear()
	assert.Nil(t, s.Conversation())
}

func TestTikTokenCounter(t *testing.T) {
	c, err := NewTikTokenCounter("cl100k_base")
	require.NoError(t, err)
	n, err := c.Count("hello world")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = NewTikTokenCounter("no_such_encoding")
	assert.Error(t, err)
}

func TestNewConversationFollowsModelTemplate(t *testing.T) {
	gen := &echoGenerator{answer: "ok"}
	s := newTestSession(gen, Config{})
	ctx := context.Background()

	_, err := s.AddText(ctx, "hi")
	require.NoError(t, err)
	_, err = s.Generate(ctx, "vicuna-13b", relay.Params{}, func(relay.Snapshot) error { return nil })
	require.NoError(t, err)

	vicuna, err := conversation.NewRegistry().Get(conversation.TemplateVicuna)
	require.NoError(t, err)
	require.Len(t, gen.prompts, 1)
	assert.Equal(t, vicuna.System+"  USER: hi ASSISTANT:", gen.prompts[0])
	assert.Equal(t, vicuna.System, s.Conversation().System)
}

func TestConfiguredModelSeedsConversation(t *testing.T) {
	s := newTestSession(&echoGenerator{}, Config{Model: "koala-13b"})
	s.UpdateRoleSetting("Be brief.")

	c := s.Conversation()
	require.NotNil(t, c)
	assert.Equal(t, [2]string{"USER", "GPT"}, c.Roles)
	assert.Equal(t, "Be brief.", c.RoleSetting)
}
