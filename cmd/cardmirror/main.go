package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var Version = "dev"

type rootOptions struct {
	configPath      string
	logLevel        string
	logFormat       string
	trace           bool
	shutdownTimeout time.Duration
	maxBodyBytes    int
	logger          *log.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{logger: log.New()}
	root := &cobra.Command{
		Use:           "cardmirror",
		Short:         "Mirror cards from source boards into one aggregate board",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogger(opts.logger, cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", envOrDefault("CARDMIRROR_CONFIG", "cardmirror.yaml"), "board configuration file")
	flags.StringVar(&opts.logLevel, "log-level", defaultLogLevel(), "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", envOrDefault("CARDMIRROR_LOG_FORMAT", "text"), "log format (text, json)")
	flags.BoolVar(&opts.trace, "trace", boolEnv("CARDMIRROR_TRACE", false), "log finished trace spans at debug level")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newSweepCmd(opts))
	root.AddCommand(newListsCmd(opts))
	return root
}

func configureLogger(logger *log.Logger, out io.Writer, level, format string) error {
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return err
	}
	logger.SetLevel(parsed)
	logger.SetOutput(out)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unsupported log format %q", format)
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

// defaultLogLevel honors DEBUG=true ahead of CARDMIRROR_LOG_LEVEL.
func defaultLogLevel() string {
	if boolEnv("DEBUG", false) {
		return "debug"
	}
	return envOrDefault("CARDMIRROR_LOG_LEVEL", "info")
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		log.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		log.Warnf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
}
