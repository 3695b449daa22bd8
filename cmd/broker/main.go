// Command broker runs the connection broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/yusitnikov/websocket-mcp/internal/config"
	"github.com/yusitnikov/websocket-mcp/internal/logger"
	"github.com/yusitnikov/websocket-mcp/pkg/broker"
	"github.com/yusitnikov/websocket-mcp/pkg/filewatcher"
	"github.com/yusitnikov/websocket-mcp/pkg/server"
)

// cliFlags holds values given on the command line. They override the
// configuration file only when set.
type cliFlags struct {
	cfgFile         string
	port            int
	path            string
	logLevel        string
	logFormat       string
	logOutput       string
	logRequests     bool
	natsURL         string
	shutdownTimeout time.Duration
}

func newRootCmd() *cobra.Command {
	return bindRootCmd(&cliFlags{})
}

func bindRootCmd(f *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "WebSocket connection broker",
		Long: `broker accepts WebSocket connections, registers each under a role,
lets connections discover each other by role and relays messages over
channels opened between them.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.cfgFile, "config", "", "path to a YAML configuration file")
	flags.IntVarP(&f.port, "port", "p", config.DefaultPort, "TCP port to listen on")
	flags.StringVar(&f.path, "path", config.DefaultPath, "HTTP path that accepts WebSocket upgrades")
	flags.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&f.logFormat, "log-format", "", "log format (text, json)")
	flags.StringVar(&f.logOutput, "log-output", "", "log output (stdout, stderr or a file path)")
	flags.BoolVar(&f.logRequests, "log-requests", false, "log every HTTP request")
	flags.StringVar(&f.natsURL, "nats-url", "", "export lifecycle events to this NATS server")
	flags.DurationVar(&f.shutdownTimeout, "shutdown-timeout", 10*time.Second, "how long to wait for sockets to close on exit")
	return cmd
}

// loadConfig reads the configuration file, if any, and applies the flags
// the user set.
func loadConfig(cmd *cobra.Command, f *cliFlags) (*config.Config, error) {
	cfg := config.Default()
	if f.cfgFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(f.cfgFile); err != nil {
			return nil, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Broker.Port = f.port
	}
	if changed("path") {
		cfg.Broker.Path = f.path
	}
	if changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = f.logFormat
	}
	if changed("log-output") {
		cfg.Logging.Output = f.logOutput
	}
	if changed("log-requests") {
		cfg.Logging.LogRequests = f.logRequests
	}
	if changed("nats-url") {
		cfg.Events.NATSURL = f.natsURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serverOptions(cfg *config.Config, log *logger.Logger) server.Options {
	bo := broker.DefaultOptions()
	bo.Logger = log.Logger
	bo.PingInterval = cfg.Broker.PingInterval
	bo.WriteTimeout = cfg.Broker.WriteTimeout
	bo.ClientSendBuffer = cfg.Broker.ClientSendBuffer
	bo.ReadLimit = cfg.Broker.ReadLimit
	bo.AcceptOptions = &websocket.AcceptOptions{OriginPatterns: cfg.Broker.OriginPatterns}

	return server.Options{
		Path:          cfg.Broker.Path,
		Broker:        bo,
		LogRequests:   cfg.Logging.LogRequests,
		Logger:        log.Logger,
		NATSURL:       cfg.Events.NATSURL,
		SubjectPrefix: cfg.Events.SubjectPrefix,
	}
}

func run(cmd *cobra.Command, f *cliFlags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	srv, err := server.New(serverOptions(cfg, log))
	if err != nil {
		return err
	}

	if f.cfgFile != "" {
		stop, err := watchConfig(cmd, f, log)
		if err != nil {
			log.Warn("Config watch disabled", "file", f.cfgFile, "error", err)
		} else {
			defer stop()
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("Broker starting", "addr", cfg.Broker.Addr(), "path", cfg.Broker.Path,
		"natsExport", cfg.Events.NATSURL != "")
	if err := srv.ListenAndServe(ctx, cfg.Broker.Addr(), f.shutdownTimeout); err != nil {
		log.Error("Broker stopped with error", "error", err)
		return err
	}
	log.Info("Broker stopped")
	return nil
}

// watchConfig re-reads the configuration file whenever it changes and
// applies the settings that can change without a restart.
func watchConfig(cmd *cobra.Command, f *cliFlags, log *logger.Logger) (func() error, error) {
	fw, err := filewatcher.New(filewatcher.WithFiles(f.cfgFile), filewatcher.WithLogger(log.Logger))
	if err != nil {
		return nil, err
	}
	fw.AddCallback(func(string) {
		cfg, err := loadConfig(cmd, f)
		if err != nil {
			log.Error("Config reload failed, keeping current settings", "file", f.cfgFile, "error", err)
			return
		}
		if err := log.SetLevel(cfg.Logging.Level); err != nil {
			log.Error("Config reload: bad log level", "error", err)
			return
		}
		log.Info("Config reloaded", "file", f.cfgFile, "level", cfg.Logging.Level)
	})
	if err := fw.Start(); err != nil {
		fw.Stop()
		return nil, err
	}
	return fw.Stop, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
