package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/abdul-hamid-achik/hitcapture/packages/core/config"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var (
	configFlag   string
	envFileFlag  string
	logLevelFlag string
	noColorFlag  bool
)

// Loaded by the root PersistentPreRunE for every command.
var (
	cfg       *config.Config
	logger    = zerolog.Nop()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "hitcapture",
	Short: "Inspect captured HTTP exchanges.",
	Long: `hitcapture reads the exchanges recorded by capture interceptors and
lets you print, follow, validate and serve them.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func Execute(v, bt string) {
	version = v
	buildTime = bt
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", getEnvString("HITCAPTURE_CONFIG", ""), "Path to config file (env: HITCAPTURE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", ".env", "Path to .env file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&noColorFlag, "no-color", getEnvBool("HITCAPTURE_NO_COLOR", false), "Disable colored output (env: HITCAPTURE_NO_COLOR)")

	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	if noColorFlag {
		color.NoColor = true
	}
	if envFileFlag != "" {
		if err := godotenv.Load(envFileFlag); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &exitError{code: ExitConfigError, err: fmt.Errorf("failed to load %s: %w", envFileFlag, err)}
		}
	}

	loaded, err := config.LoadConfig(configFlag)
	if err != nil {
		return &exitError{code: ExitConfigError, err: err}
	}
	if logLevelFlag != "" {
		loaded.Log.Level = logLevelFlag
	}
	cfg = loaded

	l, closer, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return &exitError{code: ExitConfigError, err: err}
	}
	logger, logCloser = l, closer
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if logCloser != nil {
		return logCloser.Close()
	}
	return nil
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if strings.HasPrefix(err.Error(), "unknown command") || strings.HasPrefix(err.Error(), "unknown flag") {
		return ExitUsageError
	}
	return ExitFailure
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}
