package main

import (
	"fmt"
	"os"

	"github.com/deemkeen/threadfed/db"
	"github.com/deemkeen/threadfed/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   util.Name,
		Short: "Federation service for a link aggregator",
		Long: `threadfed exchanges communities, posts, comments, votes and private
messages with other ActivityPub servers.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCmd(),
		resolveCmd(),
		deliveriesCmd(),
		actorCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config named by --config, or the default lookup.
func loadConfig() (*util.AppConfig, error) {
	if configFile != "" {
		return util.ReadConfFrom(configFile)
	}
	return util.ReadConf()
}

func setupLogger(conf *util.AppConfig) (*zap.Logger, error) {
	level := conf.Conf.LogLevel
	if verbose {
		level = "debug"
	}
	return util.NewLogger(level)
}

// environment is what every command starts from.
type environment struct {
	conf   *util.AppConfig
	logger *zap.Logger
	store  *db.DB
}

func openEnvironment() (*environment, error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := setupLogger(conf)
	if err != nil {
		return nil, err
	}
	store, err := db.Open(util.ResolveFilePath(conf.Conf.DatabasePath), logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &environment{conf: conf, logger: logger, store: store}, nil
}

func (e *environment) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = e.logger.Sync()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), util.GetNameAndVersion())
		},
	}
}
