package cmds

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	glazed_cmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/middlewares"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/moderation"
	"github.com/go-go-golems/palaver/pkg/relay"
	"github.com/go-go-golems/palaver/pkg/settings"
	"github.com/go-go-golems/palaver/pkg/worker"
)

const turnsTopic = "turns"

func loadSettings() (*settings.Settings, error) {
	return settings.FromViper(viper.GetViper())
}

// loadRegistry returns the builtin templates plus the personas of s.PersonasFile.
func loadRegistry(s *settings.Settings) (*conversation.Registry, error) {
	registry := conversation.NewRegistry()
	if s.PersonasFile == "" {
		return registry, nil
	}
	f, err := os.Open(s.PersonasFile)
	if err != nil {
		return nil, errors.Wrap(err, "could not open personas file")
	}
	defer func() {
		_ = f.Close()
	}()
	if err := registry.LoadPersonasYAML(f); err != nil {
		return nil, errors.Wrapf(err, "could not load %s", s.PersonasFile)
	}
	if s.DefaultTemplate != "" {
		if _, err := registry.Get(s.DefaultTemplate); err != nil {
			return nil, errors.Wrapf(err, "default template %q", s.DefaultTemplate)
		}
	}
	return registry, nil
}

func newControllerClient(s *settings.Settings) *worker.ControllerClient {
	return worker.NewControllerClient(s.ControllerURL, worker.WithControllerTimeout(s.LookupTimeout))
}

func newModerator(s *settings.Settings) relay.Moderator {
	if !s.Moderate {
		return nil
	}
	options := []moderation.Option{}
	if s.ModerationModel != "" {
		options = append(options, moderation.WithModel(s.ModerationModel))
	}
	return moderation.NewOpenAIModerator(s.OpenAIAPIKey, s.OpenAIBaseURL, options...)
}

// newReconciler wires the worker clients, the turn event publisher and, if a registry is
// passed, the reconciler metrics.
func newReconciler(
	s *settings.Settings,
	registry *conversation.Registry,
	controller *worker.ControllerClient,
	publisher *events.PublisherManager,
	reg prometheus.Registerer,
) (*relay.Reconciler, error) {
	streams := worker.NewStreamClient(
		worker.WithConnectTimeout(s.ConnectTimeout),
		worker.WithHeaderTimeout(s.HeaderTimeout),
	)
	options := []relay.Option{}
	if publisher != nil {
		options = append(options, relay.WithPublisher(publisher))
	}
	if reg != nil {
		m, err := relay.NewMetrics(reg)
		if err != nil {
			return nil, errors.Wrap(err, "could not register metrics")
		}
		options = append(options, relay.WithMetrics(m))
	}
	return relay.NewReconciler(controller, streams, registry, relay.Config{
		DefaultTemplate: s.DefaultTemplate,
		LookupTimeout:   s.LookupTimeout,
		FramePacing:     s.FramePacing,
	}, options...), nil
}

// serveMetrics serves reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server failed")
	}
	return nil
}

// BuildGlazedCommand turns a glazed command into a cobra command. Flags are parsed from
// cobra only; service settings keep coming from the root command's viper setup.
func BuildGlazedCommand(c glazed_cmds.GlazeCommand) (*cobra.Command, error) {
	return cli.BuildCobraCommandFromGlazeCommand(c, cli.WithCobraMiddlewaresFunc(getMiddlewares))
}

func getMiddlewares(
	_ *cli.GlazedCommandSettings,
	cmd *cobra.Command,
	args []string,
) ([]middlewares.Middleware, error) {
	return []middlewares.Middleware{
		middlewares.ParseFromCobraCommand(cmd),
		middlewares.GatherArguments(args),
		middlewares.SetFromDefaults(),
	}, nil
}
