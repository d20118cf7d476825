package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nlink/agent/internal/agent"
)

// set via ldflags at build time.
var version = "dev"

type _cli_options struct {
	forwards   []string
	key        string
	host       string
	nonSecure  bool
	logLevel   string
	debug      bool
	configPath string
}

func main() {
	if err := _new_root_command().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func _new_root_command() *cobra.Command {
	opts := &_cli_options{}
	cmd := &cobra.Command{
		Use:           "nlink-agent",
		Short:         "expose local services through the relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return _run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&opts.forwards, "forward", "f", nil, "tunnel spec <name>|<target> or <name>|<label>|<target> (repeatable)")
	f.StringVarP(&opts.key, "key", "k", "", "relay api key")
	f.StringVarP(&opts.host, "host", "h", agent.DefaultHost, "relay hostname")
	f.BoolVarP(&opts.nonSecure, "non-secure", "n", false, "connect to the relay without tls")
	f.StringVarP(&opts.logLevel, "log", "l", "info", "log level (trace|debug|info|warn|error)")
	f.BoolVarP(&opts.debug, "debug", "d", false, "accepted for compatibility; same as --log debug")
	f.StringVar(&opts.configPath, "config", "", "optional yaml configuration file")
	f.BoolP("version", "v", false, "print the version")

	// claim the help flag without a shorthand so -h stays --host.
	f.Bool("help", false, "show help")

	return cmd
}

func _run(cmd *cobra.Command, opts *_cli_options) error {
	if help, _ := cmd.Flags().GetBool("help"); help {
		return cmd.Help()
	}
	if v, _ := cmd.Flags().GetBool("version"); v {
		fmt.Fprintln(cmd.OutOrStdout(), "nlink-agent "+version)
		return nil
	}

	// the config file's log level applies unless --log was given; a
	// file that cannot be read is reported by _build_config below.
	if opts.configPath != "" && !cmd.Flags().Changed("log") {
		if file, err := agent.LoadFileConfig(opts.configPath); err == nil && file.Log != "" {
			opts.logLevel = file.Log
		}
	}

	logger, err := _new_logger(opts)
	if err != nil {
		return err
	}

	cfg, err := _build_config(cmd, opts, logger)
	if err != nil {
		return err
	}

	sup := agent.NewSupervisor(cfg, logger)

	go func() {
		for status := range sup.Status() {
			logger.Info().Str("status", string(status)).Msg("connection status")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info().Str("host", cfg.Hostname).Int("tunnels", len(cfg.Tunnels)).Msg("agent starting")
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("agent stopped")
	return nil
}

// _new_logger builds the console logger from the cli level flags.
func _new_logger(opts *_cli_options) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil || level > zerolog.ErrorLevel {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q", opts.logLevel)
	}
	if opts.debug && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(w).With().Timestamp().Logger().Level(level), nil
}

// _build_config merges the optional config file with the command line
// (explicit flags win) and validates the result. invalid forward
// specs are reported and skipped; at least one valid tunnel is
// required.
func _build_config(cmd *cobra.Command, opts *_cli_options, logger zerolog.Logger) (*agent.Config, error) {
	cfg := &agent.Config{
		APIKey:    opts.key,
		Hostname:  opts.host,
		Secure:    !opts.nonSecure,
		UserAgent: "nlink-agent/" + version,
	}

	var fileForwards []agent.TunnelDescriptor
	if opts.configPath != "" {
		file, err := agent.LoadFileConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		if file.Host != "" && !cmd.Flags().Changed("host") {
			cfg.Hostname = file.Host
		}
		if file.Key != "" && !cmd.Flags().Changed("key") {
			cfg.APIKey = file.Key
		}
		if file.Secure != nil && !cmd.Flags().Changed("non-secure") {
			cfg.Secure = *file.Secure
		}
		cfg.ProxyURL = file.Proxy.URL
		fileForwards = file.Forwards
	}

	for _, spec := range opts.forwards {
		desc, err := agent.ParseForward(spec)
		if err != nil {
			logger.Error().Err(err).Msg("skipping forward")
			continue
		}
		cfg.Tunnels = append(cfg.Tunnels, desc)
	}
	// a name given both in the file and on the command line is taken
	// from the command line.
	for _, desc := range fileForwards {
		if cfg.FindTunnel(desc.RemoteName) == nil {
			cfg.Tunnels = append(cfg.Tunnels, desc)
		}
	}
	if len(cfg.Tunnels) == 0 {
		return nil, fmt.Errorf("no valid tunnel configured; pass at least one -f <name>|<target>")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
