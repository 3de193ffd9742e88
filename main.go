package keyviz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/common/version"
	"github.com/spf13/pflag"
)

type mainFlags struct {
	configPath  string
	listen      string
	network     string
	httpAddress string
	noHTTP      bool
	logLevel    string
	logFormat   string
	showVersion bool
}

func parseMainFlags(args []string, stderr io.Writer) (*mainFlags, *pflag.FlagSet, error) {
	var f mainFlags
	flagSet := pflag.NewFlagSet("keyviz", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&f.configPath, "config", os.Getenv(configEnvVar), "path to the YAML config file (env "+configEnvVar+")")
	flagSet.StringVar(&f.listen, "listen", "", "address to receive remapper status lines on")
	flagSet.StringVar(&f.network, "network", "", "listen network, tcp or udp")
	flagSet.StringVar(&f.httpAddress, "http", "", "address for the renderer websocket and API")
	flagSet.BoolVar(&f.noHTTP, "no-http", false, "disable the renderer websocket and API")
	flagSet.StringVar(&f.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flagSet.StringVar(&f.logFormat, "log-format", "", "log format, console or json")
	flagSet.BoolVar(&f.showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	return &f, flagSet, nil
}

// apply overrides cfg with the flags that were set explicitly.
func (f *mainFlags) apply(cfg *Config, flagSet *pflag.FlagSet) {
	if flagSet.Changed("listen") {
		cfg.Listen.Address = f.listen
	}
	if flagSet.Changed("network") {
		cfg.Listen.Network = f.network
	}
	if flagSet.Changed("http") {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Address = f.httpAddress
	}
	if f.noHTTP {
		cfg.HTTP.Enabled = false
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flagSet.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
}

// Main is the keyviz entry point.
func Main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "send" {
		os.Exit(runSend(args[1:], os.Stdin, os.Stderr))
	}
	os.Exit(run(args, os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	flags, flagSet, err := parseMainFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if flags.showVersion {
		fmt.Fprintln(stderr, version.Print("keyviz"))
		return 0
	}

	cfg, err := LoadConfig(flags.configPath)
	if err != nil {
		rootLogger.Error().Err(err).Msg("failed to load config")
		return 1
	}
	flags.apply(cfg, flagSet)
	if err := cfg.Validate(); err != nil {
		rootLogger.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	logger, err := newRootLogger(cfg.Log, stderr)
	if err != nil {
		rootLogger.Error().Err(err).Msg("failed to set up logging")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []AppOption
	if flags.configPath != "" {
		opts = append(opts, WithConfigPath(flags.configPath))
	}
	app := NewApp(cfg, logger, opts...)
	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("keyviz exited")
		return 1
	}
	return 0
}
