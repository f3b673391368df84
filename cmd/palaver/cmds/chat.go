package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/palaver/pkg/chatlog"
	"github.com/go-go-golems/palaver/pkg/chatsession"
	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/relay"
)

const chatHelp = `Commands:
  /regenerate          answer the last input again
  /clear               start a new conversation
  /system <text>       set the system prompt
  /role <text>         set the role setting
  /upvote /downvote /flag
  /quit`

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a model on the command line",
		RunE:  runChat,
	}
	cmd.Flags().String("model", "", "Model to chat with (default: first model of the controller)")
	cmd.Flags().Bool("raw-events", false, "Print turn events as JSON instead of text")
	cmd.Flags().String("encoding", "cl100k_base", "Tokenizer encoding used for the token budget")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	registry, err := loadRegistry(s)
	if err != nil {
		return err
	}
	model, _ := cmd.Flags().GetString("model")
	rawEvents, _ := cmd.Flags().GetBool("raw-events")
	encoding, _ := cmd.Flags().GetString("encoding")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	controller := newControllerClient(s)
	if model == "" {
		if err := controller.RefreshAllWorkers(ctx); err != nil {
			return err
		}
		models, err := controller.ListModels(ctx)
		if err != nil {
			return err
		}
		if len(models) == 0 {
			return errors.New("the controller has no models")
		}
		model = models[0]
	}

	router, err := events.NewEventRouter(events.WithVerbose(log.Debug().Enabled()), events.WithOutput(cmd.OutOrStdout()))
	if err != nil {
		return errors.Wrap(err, "failed to create event router")
	}
	defer func() {
		_ = router.Close()
	}()
	if rawEvents {
		router.AddHandler("raw", turnsTopic, router.DumpRawEvents)
	} else {
		router.AddHandler("printer", turnsTopic, events.PrinterFunc(model, cmd.OutOrStdout()))
	}
	publisher := events.NewPublisherManager()
	publisher.SubscribePublisher(turnsTopic, router.Publisher)

	var metricsRegistry *prometheus.Registry
	if s.MetricsAddr != "" {
		metricsRegistry = prometheus.NewRegistry()
	}
	var reg prometheus.Registerer
	if metricsRegistry != nil {
		reg = metricsRegistry
	}
	reconciler, err := newReconciler(s, registry, controller, publisher, reg)
	if err != nil {
		return err
	}

	counter, err := chatsession.NewTikTokenCounter(encoding)
	if err != nil {
		return err
	}
	recorder := chatlog.NewWriter(s.LogDir)
	defer func() {
		_ = recorder.Close()
	}()

	options := []chatsession.Option{
		chatsession.WithRecorder(recorder),
		chatsession.WithTokenCounter(counter),
	}
	if m := newModerator(s); m != nil {
		options = append(options, chatsession.WithModerator(m))
	}
	session := chatsession.NewSession(registry, reconciler, chatsession.Config{
		DefaultTemplate: s.DefaultTemplate,
		Model:           model,
		TokenBudget:     s.TokenBudget,
		InputCutoff:     s.InputCutoff,
		ClientIP:        "local",
	}, options...)

	params := relay.Params{Temperature: s.Temperature, MaxNewTokens: s.MaxNewTokens}
	repl := &chatREPL{
		session: session,
		model:   model,
		params:  params,
		in:      cmd.InOrStdin(),
		out:     cmd.OutOrStdout(),
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return router.Run(ctx)
	})
	if metricsRegistry != nil {
		eg.Go(func() error {
			return serveMetrics(ctx, s.MetricsAddr, metricsRegistry)
		})
	}
	eg.Go(func() error {
		defer cancel()
		<-router.Running()
		_, _ = fmt.Fprintf(repl.out, "Chatting with %s. Type /help for commands.\n", model)
		return repl.run(ctx)
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type chatREPL struct {
	session *chatsession.Session
	model   string
	params  relay.Params
	in      io.Reader
	out     io.Writer
}

func (r *chatREPL) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, _ = fmt.Fprint(r.out, "> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		}

		quit, err := r.handle(ctx, strings.TrimSpace(line))
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

func (r *chatREPL) handle(ctx context.Context, line string) (bool, error) {
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		_, _ = fmt.Fprintln(r.out, chatHelp)
		return false, nil
	case "/clear":
		r.session.Clear()
		return false, nil
	case "/system":
		r.session.UpdateSystemPrompt(rest)
		return false, nil
	case "/role":
		r.session.UpdateRoleSetting(rest)
		return false, nil
	case "/upvote", "/downvote", "/flag":
		if err := r.session.Vote(strings.TrimPrefix(cmd, "/"), r.model); err != nil {
			_, _ = fmt.Fprintf(r.out, "could not vote: %v\n", err)
		}
		return false, nil
	case "/regenerate":
		if err := r.session.Regenerate(); err != nil {
			_, _ = fmt.Fprintf(r.out, "nothing to regenerate\n")
			return false, nil
		}
		return false, r.generate(ctx)
	}

	notice, err := r.session.AddText(ctx, line)
	if err != nil {
		return false, err
	}
	if notice != "" {
		_, _ = fmt.Fprintln(r.out, notice)
	}
	return false, r.generate(ctx)
}

// generate runs a turn. Its text reaches the terminal through the event router, a failed
// turn is not an error of the REPL.
func (r *chatREPL) generate(ctx context.Context) error {
	state, err := r.session.Generate(ctx, r.model, r.params, func(relay.Snapshot) error {
		return nil
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		log.Debug().Err(err).Str("state", state.String()).Msg("turn did not finish")
	}
	return nil
}
