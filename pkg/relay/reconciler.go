package relay

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/helpers"
	"github.com/go-go-golems/palaver/pkg/worker"
)

const DefaultCursor = "▌"

// Directory resolves the worker serving a model. An empty address means no worker is
// available.
type Directory interface {
	WorkerAddress(ctx context.Context, model string) (string, error)
}

// Generator opens a NUL-delimited frame stream on a worker.
type Generator interface {
	GenerateStream(ctx context.Context, addr string, req worker.GenerateRequest) (io.ReadCloser, error)
}

// Moderator decides whether user input may be sent to a model.
type Moderator interface {
	Violates(ctx context.Context, text string) (bool, error)
}

type State int

const (
	StateIdle State = iota
	StateAwaitingWorker
	StateStreaming
	StateDone
	StateErrored
	StateSkipped
)

var stateNames = map[State]string{
	StateIdle:           "idle",
	StateAwaitingWorker: "awaiting_worker",
	StateStreaming:      "streaming",
	StateDone:           "done",
	StateErrored:        "errored",
	StateSkipped:        "skipped",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal is true for states after which a stream yields no more snapshots.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored || s == StateSkipped
}

type Config struct {
	// DefaultTemplate is the template a conversation is re-created from on its first round.
	// Empty means the template resolved from the model name.
	DefaultTemplate string
	LookupTimeout   time.Duration
	// FramePacing is the minimal delay between two reconciled frames.
	FramePacing time.Duration
	Cursor      string
}

func DefaultConfig() Config {
	return Config{
		LookupTimeout: 5 * time.Second,
		FramePacing:   20 * time.Millisecond,
		Cursor:        DefaultCursor,
	}
}

type Params struct {
	Temperature  float64
	MaxNewTokens int
}

// Snapshot is one emission of a stream. Conversation is a copy owned by the receiver.
type Snapshot struct {
	State        State
	Conversation *conversation.Conversation
	Err          error
}

// Reconciler turns worker frame streams into conversation snapshots. It holds no per-turn
// state and can serve many conversations concurrently.
type Reconciler struct {
	directory Directory
	generator Generator
	registry  *conversation.Registry
	cfg       Config
	publisher *events.PublisherManager
	metrics   *Metrics
}

type Option func(*Reconciler)

// WithPublisher publishes turn events for every stream.
func WithPublisher(p *events.PublisherManager) Option {
	return func(r *Reconciler) {
		r.publisher = p
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

func NewReconciler(directory Directory, generator Generator, registry *conversation.Registry, cfg Config, options ...Option) *Reconciler {
	def := DefaultConfig()
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.FramePacing < 0 {
		cfg.FramePacing = 0
	}
	if cfg.Cursor == "" {
		cfg.Cursor = def.Cursor
	}
	r := &Reconciler{
		directory: directory,
		generator: generator,
		registry:  registry,
		cfg:       cfg,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Start prepares a turn for conv, whose last message must be the pending assistant turn.
// Nothing happens until the first call to Next. conv is mutated in place while the stream
// advances and must not be touched by anyone else until the stream is terminal or closed.
func (r *Reconciler) Start(ctx context.Context, conv *conversation.Conversation, model string, params Params) *Stream {
	limit := rate.Inf
	if r.cfg.FramePacing > 0 {
		limit = rate.Every(r.cfg.FramePacing)
	}
	return &Stream{
		r:       r,
		ctx:     ctx,
		conv:    conv,
		model:   model,
		params:  params,
		state:   StateIdle,
		limiter: rate.NewLimiter(limit, 1),
		meta: events.EventMetadata{
			ID:             uuid.New(),
			ConversationID: conv.ConvID,
			Model:          model,
			Temperature:    helpers.Float64Pointer(params.Temperature),
			MaxNewTokens:   helpers.IntPointer(params.MaxNewTokens),
		},
	}
}

// Stream is a pull-based iterator over the snapshots of one turn.
//
//	s := r.Start(ctx, conv, model, params)
//	defer s.Close()
//	for s.Next() {
//		render(s.Snapshot())
//	}
type Stream struct {
	r      *Reconciler
	ctx    context.Context
	conv   *conversation.Conversation
	model  string
	params Params

	state    State
	err      error
	snapshot Snapshot
	emitted  bool

	skipEcho int
	body     io.ReadCloser
	frames   *worker.FrameReader
	limiter  *rate.Limiter
	started  time.Time
	meta     events.EventMetadata
	closed   bool
}

func (s *Stream) State() State {
	return s.state
}

// Err returns the cause of an errored turn.
func (s *Stream) Err() error {
	return s.err
}

// Snapshot returns the snapshot produced by the last successful call to Next.
func (s *Stream) Snapshot() Snapshot {
	return s.snapshot
}

// Next advances the turn until the next snapshot. It returns false once the terminal
// snapshot has been consumed or the stream was abandoned.
func (s *Stream) Next() bool {
	if s.closed || s.emitted && s.state.Terminal() {
		return false
	}

	if s.state == StateIdle {
		return s.begin()
	}
	if s.state == StateStreaming {
		return s.nextFrame()
	}
	return false
}

// Close abandons the turn if it has not finished and releases the worker connection.
// The conversation stays valid, its last message may still carry the cursor.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.state.Terminal() {
		s.abandon(ErrAbandoned)
	}
	return s.closeBody()
}

func (s *Stream) logger() *zerolog.Logger {
	l := log.With().
		Str("model", s.model).
		Str("conv_id", s.conv.ConvID).
		Str("turn_id", s.meta.ID.String()).
		Logger()
	return &l
}

func (s *Stream) begin() bool {
	s.started = time.Now()

	if s.conv.SkipNext {
		s.state = StateSkipped
		s.logger().Debug().Msg("skipping turn")
		s.r.metrics.turnFinished(s.model, s.state, 0)
		s.publish(events.NewStatusEvent(s.meta, StateSkipped.String()))
		return s.emit()
	}

	if len(s.conv.Messages) < 2 {
		// nothing to write the error into
		s.err = ErrNoPendingTurn
		s.state = StateErrored
		s.logger().Warn().Err(s.err).Msg("turn failed")
		return s.emit()
	}

	if s.conv.ConvID == "" {
		if len(s.conv.Messages) == s.conv.Offset+2 {
			s.startFirstRound()
		} else {
			// history handed in from elsewhere is kept as is
			s.conv.ConvID = conversation.NewConvID()
			s.meta.ConversationID = s.conv.ConvID
		}
	}

	s.state = StateAwaitingWorker
	addr, err := s.lookupWorker()
	if err != nil {
		if s.ctx.Err() != nil {
			return s.abandon(s.ctx.Err())
		}
		return s.fail(err, ServerErrorMsg)
	}

	var prompt interface{}
	var promptText string
	if strings.Contains(strings.ToLower(s.model), "chatglm") {
		history := s.conv.RenderedMessages()
		prompt = append([]conversation.Message(nil), history...)
	} else {
		promptText, err = s.conv.GetPrompt()
		if err != nil {
			return s.fail(err, ServerErrorMsg)
		}
		prompt = promptText
	}
	s.skipEcho = conversation.ComputeSkipEchoLen(s.model, s.conv, promptText)

	var stop *string
	if s.conv.SepStyle == conversation.SeparatorStyleSingle {
		sep := s.conv.Sep
		stop = &sep
	}
	req := worker.GenerateRequest{
		Model:        s.model,
		Prompt:       prompt,
		Temperature:  s.params.Temperature,
		MaxNewTokens: s.params.MaxNewTokens,
		Stop:         stop,
	}

	s.conv.SetLastMessage(s.r.cfg.Cursor)
	s.logger().Info().Str("worker_addr", addr).Int("skip_echo_len", s.skipEcho).Msg("opening turn")
	s.publish(events.NewStartEvent(s.meta, promptText))

	body, err := s.r.generator.GenerateStream(s.ctx, addr, req)
	if err != nil {
		if s.ctx.Err() != nil {
			return s.abandon(s.ctx.Err())
		}
		return s.failTransport(err)
	}
	s.body = body
	s.frames = worker.NewFrameReader(body)
	s.state = StateStreaming

	return s.nextFrame()
}

// startFirstRound rebuilds the conversation from a fresh template. The system prompt is
// carried over only when it was customized, the role setting always.
func (s *Stream) startFirstRound() {
	fresh := s.r.registry.ForModel(s.r.cfg.DefaultTemplate, s.model)

	userText := s.conv.Messages[len(s.conv.Messages)-2].Text
	fresh.ConvID = conversation.NewConvID()
	if !s.r.registry.IsStockSystem(s.conv.System) {
		fresh.System = s.conv.System
	}
	fresh.RoleSetting = s.conv.RoleSetting
	fresh.AppendMessage(fresh.UserRole(), userText)
	fresh.AppendMessage(fresh.AssistantRole(), "")

	*s.conv = *fresh
	s.meta.ConversationID = fresh.ConvID
}

func (s *Stream) lookupWorker() (string, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.r.cfg.LookupTimeout)
	defer cancel()

	addr, err := s.r.directory.WorkerAddress(ctx, s.model)
	if err != nil {
		return "", errors.Wrapf(ErrWorkerUnavailable, "lookup for %s failed: %v", s.model, err)
	}
	if addr == "" {
		return "", errors.Wrapf(ErrWorkerUnavailable, "no worker serves %s", s.model)
	}
	return addr, nil
}

func (s *Stream) nextFrame() bool {
	if err := s.limiter.Wait(s.ctx); err != nil {
		if s.ctx.Err() != nil {
			return s.abandon(s.ctx.Err())
		}
		// the deadline is closer than the pacing interval, go on without pacing
		log.Trace().Err(err).Msg("skipping frame pacing")
	}

	frame, err := s.frames.Next()
	if err == io.EOF {
		return s.finish()
	}
	if err != nil {
		if s.ctx.Err() != nil {
			return s.abandon(s.ctx.Err())
		}
		return s.failTransport(err)
	}

	if frame.ErrorCode != 0 {
		be := &BackendError{Code: frame.ErrorCode, Text: frame.Text}
		return s.fail(be, be.Message())
	}

	s.r.metrics.frame(s.model)
	output := strings.TrimSpace(conversation.SkipRunes(frame.Text, s.skipEcho))
	output = PostProcessCode(output)
	prev, _ := s.conv.LastMessage()
	s.conv.SetLastMessage(output + s.r.cfg.Cursor)

	delta := strings.TrimPrefix(output, strings.TrimSuffix(prev.Text, s.r.cfg.Cursor))
	s.publish(events.NewPartialCompletionEvent(s.meta, delta, output))
	return s.emit()
}

func (s *Stream) finish() bool {
	last, _ := s.conv.LastMessage()
	text := strings.TrimSuffix(last.Text, s.r.cfg.Cursor)
	s.conv.SetLastMessage(text)
	s.state = StateDone
	_ = s.closeBody()

	s.logger().Info().Dur("duration", time.Since(s.started)).Msg("turn done")
	s.r.metrics.turnFinished(s.model, s.state, time.Since(s.started).Seconds())
	s.publish(events.NewFinalEvent(s.meta, text))
	return s.emit()
}

func (s *Stream) failTransport(err error) bool {
	te := &TransportError{Err: err}
	return s.fail(te, te.Message())
}

// fail ends the turn with err, showing message in the pending turn.
func (s *Stream) fail(err error, message string) bool {
	s.err = err
	s.state = StateErrored
	s.conv.SetLastMessage(message)
	_ = s.closeBody()

	s.logger().Warn().Err(err).Msg("turn failed")
	s.r.metrics.turnFinished(s.model, s.state, time.Since(s.started).Seconds())
	s.publish(events.NewErrorEvent(s.meta, err, message))
	return s.emit()
}

// abandon ends the turn without a terminal snapshot.
func (s *Stream) abandon(err error) bool {
	s.err = err
	s.state = StateErrored
	s.emitted = true
	_ = s.closeBody()

	s.logger().Debug().Err(err).Msg("turn abandoned")
	if !s.started.IsZero() {
		s.r.metrics.turnFinished(s.model, s.state, time.Since(s.started).Seconds())
	}
	last, _ := s.conv.LastMessage()
	s.publish(events.NewInterruptEvent(s.meta, last.Text))
	return false
}

func (s *Stream) emit() bool {
	s.snapshot = Snapshot{
		State:        s.state,
		Conversation: s.conv.Copy(),
		Err:          s.err,
	}
	s.emitted = true
	return true
}

func (s *Stream) publish(e events.Event) {
	if s.r.publisher == nil {
		return
	}
	s.r.publisher.PublishBlind(e)
}

func (s *Stream) closeBody() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	return err
}
