package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/WessleyAI/wessley-qa/pkg/logging"
)

// exitError carries a specific process exit status.
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
	return 1
}

// NewRootCmd creates the root command with all subcommands registered. Each
// invocation gets its own viper instance.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "qacache",
		Short:         "Semantic question/answer cache with generation fallback",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initViper(cmd, v)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to a YAML config file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("index", "", "vector index backend (qdrant, pgvector, memory)")
	root.PersistentFlags().String("store", "", "record store backend (neo4j, postgres, memory)")

	root.AddCommand(
		newServeCmd(v),
		newAskCmd(v),
		newImportCmd(v),
		newHealthCmd(v),
		newWorkerCmd(v),
		newConfigCmd(v),
	)
	return root
}

// initViper applies defaults, environment bindings, the optional config file
// and flag bindings, giving flag > env > file > default precedence.
func initViper(cmd *cobra.Command, v *viper.Viper) error {
	SetDefaults(v)
	if err := SetupEnv(v); err != nil {
		return err
	}

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	} else {
		v.SetConfigName("qacache")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/qacache")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("reading config: %w", err)
			}
		}
	}

	flags := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{
		"log.level":     "log-level",
		"index.backend": "index",
		"store.backend": "store",
	} {
		f := flags.Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding %s flag: %w", flag, err)
		}
	}
	return nil
}

// setup resolves the configuration and builds the process logger. The
// returned function closes the log output.
func setup(v *viper.Viper) (Config, *slog.Logger, func(), error) {
	cfg, err := LoadConfig(v)
	if err != nil {
		return Config{}, nil, nil, err
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return Config{}, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, func() { closer.Close() }, nil
}
