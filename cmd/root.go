package cmd

import (
	"context"
	"fmt"
	"log"
	"os"

	appctx "github.com/badgeworks/badge-go/libs/context"
	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// RootCmd is the base command (what the binary is called)
	RootCmd = &cobra.Command{
		Use:   "badge-go",
		Short: "badge-go provides the badge and entitlement platform workers",
	}
	ctx = context.Background()

	env string
)

// Must helper to make sure there is no errors
func Must(err error) {
	if err != nil {
		log.Printf("failed to initialize: %s\n", err.Error())
		// a broken flag/env binding is a configuration error
		os.Exit(2)
	}
}

// Execute - the main entrypoint for all subcommands in badge-go
func Execute(version, commit, buildTime string) {
	// setup context with logging, but first we need to setup the environment
	var logger *zerolog.Logger
	ctx = context.WithValue(ctx, appctx.EnvironmentCTXKey, viper.GetString("environment"))
	ctx, logger = logging.SetupLogger(ctx)

	ctx = context.WithValue(ctx, appctx.VersionCTXKey, version)
	ctx = context.WithValue(ctx, appctx.CommitCTXKey, commit)
	ctx = context.WithValue(ctx, appctx.BuildTimeCTXKey, buildTime)

	// execute the root cmd
	if err := RootCmd.ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("./badge-go command encountered an error")
		os.Exit(1)
	}
}

func init() {
	// env - defaults to development
	RootCmd.PersistentFlags().StringVarP(&env, "environment", "e", "development",
		"the default environment")
	Must(viper.BindPFlag("environment", RootCmd.PersistentFlags().Lookup("environment")))
	Must(viper.BindEnv("environment", "BADGE_ENV"))

	// database url
	RootCmd.PersistentFlags().String("database-url", "",
		"the badge database url")
	Must(viper.BindPFlag("database-url", RootCmd.PersistentFlags().Lookup("database-url")))
	Must(viper.BindEnv("database-url", "BADGE_DATABASE_URL"))

	// redis url
	RootCmd.PersistentFlags().String("redis-url", "",
		"the badge cache url")
	Must(viper.BindPFlag("redis-url", RootCmd.PersistentFlags().Lookup("redis-url")))
	Must(viper.BindEnv("redis-url", "BADGE_REDIS_URL"))

	// kafka brokers
	RootCmd.PersistentFlags().String("kafka-brokers", "",
		"comma separated kafka broker list")
	Must(viper.BindPFlag("kafka-brokers", RootCmd.PersistentFlags().Lookup("kafka-brokers")))
	Must(viper.BindEnv("kafka-brokers", "BADGE_KAFKA_BROKERS"))

	// kafka consumer group
	RootCmd.PersistentFlags().String("kafka-consumer-group", "badge-workers",
		"the kafka consumer group")
	Must(viper.BindPFlag("kafka-consumer-group", RootCmd.PersistentFlags().Lookup("kafka-consumer-group")))
	Must(viper.BindEnv("kafka-consumer-group", "BADGE_KAFKA_CONSUMER_GROUP"))

	// rule catalog tunables
	RootCmd.PersistentFlags().Int("rules-refresh-interval-secs", 30,
		"rule catalog refresh cadence in seconds")
	Must(viper.BindPFlag("rules-refresh-interval-secs", RootCmd.PersistentFlags().Lookup("rules-refresh-interval-secs")))
	Must(viper.BindEnv("rules-refresh-interval-secs", "BADGE_RULES_REFRESH_INTERVAL_SECS"))

	RootCmd.PersistentFlags().Int("rules-initial-load-timeout-secs", 10,
		"maximum seconds to wait for the first catalog load")
	Must(viper.BindPFlag("rules-initial-load-timeout-secs", RootCmd.PersistentFlags().Lookup("rules-initial-load-timeout-secs")))
	Must(viper.BindEnv("rules-initial-load-timeout-secs", "BADGE_RULES_INITIAL_LOAD_TIMEOUT_SECS"))

	RootCmd.PersistentFlags().Int("rules-idempotency-ttl-hours", 24,
		"processed event marker ttl in hours")
	Must(viper.BindPFlag("rules-idempotency-ttl-hours", RootCmd.PersistentFlags().Lookup("rules-idempotency-ttl-hours")))
	Must(viper.BindEnv("rules-idempotency-ttl-hours", "BADGE_RULES_IDEMPOTENCY_TTL_HOURS"))

	RootCmd.AddCommand(VersionCmd)
}

// VersionCmd is the command to get the code's version information
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "get the version of this binary",
	Run:   versionRun,
}

func versionRun(command *cobra.Command, args []string) {
	version := command.Context().Value(appctx.VersionCTXKey).(string)
	commit := command.Context().Value(appctx.CommitCTXKey).(string)
	buildTime := command.Context().Value(appctx.BuildTimeCTXKey).(string)
	fmt.Printf("version: %s\ncommit: %s\nbuild time: %s\n",
		version, commit, buildTime,
	)
}
