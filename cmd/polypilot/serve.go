package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/davidnguyen-tech/polypilot"
	"github.com/davidnguyen-tech/polypilot/config"
	"github.com/davidnguyen-tech/polypilot/core"
	"github.com/davidnguyen-tech/polypilot/logging"
	"github.com/davidnguyen-tech/polypilot/provider/anthropic"
	"github.com/davidnguyen-tech/polypilot/provider/openai"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		logger := newLogger(cfg.LogLevel)

		connector, err := newConnector(cfg, logger)
		if err != nil {
			return err
		}

		pilot, err := polypilot.New(connector, func(o *polypilot.Options) {
			o.SessionConfig = cfg.SessionConfig()
			o.EngineConfig = cfg.EngineConfig()
			o.BridgeConfig = cfg.BridgeConfig()
			o.StorePath = cfg.Store.Path
			o.Logger = logger
		})
		if err != nil {
			return err
		}
		defer pilot.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("serving", "addr", cfg.BridgeConfig().Addr, "provider", cfg.Provider.Name)
		return pilot.Run(ctx)
	},
}

func newLogger(level string) logging.Logger {
	lvl := logging.LogLevelInfo
	switch level {
	case "debug":
		lvl = logging.LogLevelDebug
	case "warn":
		lvl = logging.LogLevelWarn
	case "error":
		lvl = logging.LogLevelError
	}
	return logging.NewSlogLogger(lvl, "json", false)
}

func newConnector(cfg *config.File, logger logging.Logger) (core.Connector, error) {
	switch cfg.Provider.Name {
	case "anthropic", "":
		return anthropic.NewConnector(func(o *anthropic.Options) {
			if cfg.Provider.Model != "" {
				o.Model = anthropic.Model(cfg.Provider.Model)
			}
			if cfg.Provider.Temperature > 0 {
				o.Temperature = cfg.Provider.Temperature
			}
			if cfg.Provider.MaxTokens > 0 {
				o.MaxTokens = cfg.Provider.MaxTokens
			}
			o.APIKey = cfg.APIKey()
			o.Logger = logger
		}), nil
	case "openai":
		return openai.NewConnector(func(o *openai.Options) {
			if cfg.Provider.Model != "" {
				o.Model = cfg.Provider.Model
			}
			if cfg.Provider.Temperature > 0 {
				o.Temperature = cfg.Provider.Temperature
			}
			if cfg.Provider.MaxTokens > 0 {
				o.MaxTokens = cfg.Provider.MaxTokens
			}
			o.APIKey = cfg.APIKey()
			o.Logger = logger
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}
