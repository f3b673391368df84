package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-go-golems/palaver/cmd/palaver/cmds"
	"github.com/go-go-golems/palaver/pkg/settings"
)

var rootCmd = &cobra.Command{
	Use:   "palaver",
	Short: "palaver chats with models served by a FastChat style controller",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		initLogger()
	},
	SilenceUsage: true,
}

type logConfig struct {
	WithCaller bool
	Level      string
	LogFormat  string
	LogFile    string
}

func initLogger() {
	logLevel := viper.GetString("log-level")
	verbose := viper.GetBool("verbose")
	if verbose && logLevel != "trace" {
		logLevel = "debug"
	}

	err := InitLogger(&logConfig{
		Level:      logLevel,
		LogFile:    viper.GetString("log-file"),
		LogFormat:  viper.GetString("log-format"),
		WithCaller: viper.GetBool("with-caller"),
	})
	cobra.CheckErr(err)
}

func InitLogger(config *logConfig) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if config.WithCaller {
		logger = logger.With().Caller().Logger()
	}

	// default is text
	var logWriter io.Writer
	if config.LogFormat == "json" {
		logWriter = os.Stderr
	} else {
		logWriter = zerolog.ConsoleWriter{
			Out:     os.Stderr,
			NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
		}
	}

	if config.LogFile != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   config.LogFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}

	log.Logger = logger.Output(logWriter)

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return nil
}

func initCommands(rootCmd *cobra.Command, configPath string) error {
	viper.SetEnvPrefix("palaver")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.palaver")

		xdgConfigPath, err := os.UserConfigDir()
		if err == nil {
			viper.AddConfigPath(xdgConfigPath + "/palaver")
		}
	}

	err := viper.ReadInConfig()
	// a missing config file is fine
	if _, ok := err.(viper.ConfigFileNotFoundError); !ok && err != nil {
		return err
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	err = viper.BindPFlags(rootCmd.PersistentFlags())
	if err != nil {
		return err
	}

	initLogger()

	log.Debug().
		Str("config", viper.ConfigFileUsed()).
		Msg("Loaded configuration")

	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()

	flags.Bool("with-caller", false, "Log caller")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal)")
	flags.String("log-format", "text", "Log format (json, text)")
	flags.String("log-file", "", "Log file (default: stderr)")
	flags.String("config", "", "Path to config file (default ~/.palaver/config.yaml)")
	flags.Bool("verbose", false, "Verbose output")

	d := settings.NewSettings()
	flags.String("controller-url", d.ControllerURL, "Controller base url")
	flags.String("default-template", d.DefaultTemplate, "Template new conversations start from (default: resolved from the model)")
	flags.String("personas-file", d.PersonasFile, "YAML file with additional persona templates")
	flags.Bool("moderate", d.Moderate, "Check user input with the OpenAI moderation endpoint")
	flags.String("openai-api-key", d.OpenAIAPIKey, "OpenAI API key used for moderation")
	flags.String("openai-base-url", d.OpenAIBaseURL, "OpenAI compatible base url used for moderation")
	flags.String("moderation-model", d.ModerationModel, "Moderation model")
	flags.Float64("temperature", d.Temperature, "Sampling temperature")
	flags.Int("max-new-tokens", d.MaxNewTokens, "Maximum number of generated tokens")
	flags.Int("token-budget", d.TokenBudget, "Prompt token budget before old exchanges are dropped")
	flags.Int("input-cutoff", d.InputCutoff, "Maximum number of characters of a user input")
	flags.Duration("lookup-timeout", d.LookupTimeout, "Worker address lookup timeout")
	flags.Duration("connect-timeout", d.ConnectTimeout, "Worker connect timeout")
	flags.Duration("header-timeout", d.HeaderTimeout, "Time a worker may take to start answering")
	flags.Duration("frame-pacing", d.FramePacing, "Minimal delay between two streamed frames")
	flags.String("log-dir", d.LogDir, "Directory of the conversation logs")
	flags.String("metrics-addr", d.MetricsAddr, "Serve prometheus metrics on this address")

	// parse the flags one time just to catch --config
	configFile := ""
	for idx, arg := range os.Args {
		if arg == "--config" && len(os.Args) > idx+1 {
			configFile = os.Args[idx+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			configFile = strings.TrimPrefix(arg, "--config=")
		}
	}

	err := initCommands(rootCmd, configFile)
	cobra.CheckErr(err)

	rootCmd.AddCommand(cmds.NewChatCommand(), cmds.NewPromptCommand())

	modelsCommand, err := cmds.NewModelsCommand()
	cobra.CheckErr(err)
	modelsCobraCommand, err := cmds.BuildGlazedCommand(modelsCommand)
	cobra.CheckErr(err)

	templatesCommand, err := cmds.NewTemplatesCommand()
	cobra.CheckErr(err)
	templatesCobraCommand, err := cmds.BuildGlazedCommand(templatesCommand)
	cobra.CheckErr(err)

	rootCmd.AddCommand(modelsCobraCommand, templatesCobraCommand)
}
