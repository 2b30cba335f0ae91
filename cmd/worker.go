package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/badgeworks/badge-go/libs/cache"
	"github.com/badgeworks/badge-go/libs/clients/benefits"
	"github.com/badgeworks/badge-go/libs/dlq"
	"github.com/badgeworks/badge-go/libs/kafka"
	"github.com/badgeworks/badge-go/libs/lock"
	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/badgeworks/badge-go/services/autobenefit"
	"github.com/badgeworks/badge-go/services/badge"
	"github.com/badgeworks/badge-go/services/event"
	"github.com/badgeworks/badge-go/services/grant"
	"github.com/badgeworks/badge-go/services/notification"
	"github.com/badgeworks/badge-go/services/rules"
	sentry "github.com/getsentry/sentry-go"
	uuid "github.com/satori/go.uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	RootCmd.AddCommand(WorkerCmd)
}

// WorkerCmd - run the badge event worker process
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run the badge event worker: consumers, catalog refresh and dlq retry",
	Run:   workerRun,
}

func workerRun(command *cobra.Command, args []string) {
	ctx := command.Context()
	logger := logging.Logger(ctx, "cmd.worker")

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: viper.GetString("environment"),
		}); err != nil {
			logger.Error().Err(err).Msg("sentry initialization failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	databaseURL := viper.GetString("database-url")

	// each datastore opens its own connection pool; only the badge
	// datastore runs the migrations
	badgeDatastore, err := badge.NewPostgres(databaseURL, true)
	if err != nil {
		logger.Error().Err(err).Msg("unable to connect to the badge datastore")
		os.Exit(1)
	}
	ruleDatastore, err := rules.NewPostgres(databaseURL, false)
	if err != nil {
		logger.Error().Err(err).Msg("unable to connect to the rules datastore")
		os.Exit(1)
	}
	grantDatastore, err := grant.NewPostgres(databaseURL, false)
	if err != nil {
		logger.Error().Err(err).Msg("unable to connect to the grant datastore")
		os.Exit(1)
	}
	autoBenefitDatastore, err := autobenefit.NewPostgres(databaseURL, false)
	if err != nil {
		logger.Error().Err(err).Msg("unable to connect to the auto benefit datastore")
		os.Exit(1)
	}

	pool := cache.NewPool(viper.GetString("redis-url"))
	sharedCache := cache.New(pool)
	locks := lock.NewManager(sharedCache, grantDatastore.RawDB())

	dialer, err := kafka.TLSDialer()
	if err != nil {
		logger.Error().Err(err).Msg("unable to build kafka dialer")
		os.Exit(2)
	}

	notifier := notification.NewPublisher(ctx, dialer)

	grantService := grant.InitService(grantDatastore, sharedCache, notifier)

	benefitClient, err := benefits.New()
	if err != nil {
		logger.Error().Err(err).Msg("unable to build benefit client")
		os.Exit(2)
	}

	// the evaluator's benefit client and the grant service's evaluator are
	// late-bound slots; both are filled before any consumer starts
	ruleCache := autobenefit.NewRuleCache(autoBenefitDatastore)
	evaluator := autobenefit.NewEvaluator(autobenefit.DefaultConfig(), autoBenefitDatastore, ruleCache, grantDatastore)
	evaluator.SetBenefitService(benefitClient)
	grantService.SetEvaluator(evaluator)

	engine := rules.NewEngine()
	catalog := rules.NewCatalog(ruleDatastore, engine,
		time.Duration(viper.GetInt("rules-refresh-interval-secs"))*time.Second)

	// the first load gates startup: a worker with no rules is not serving
	initialLoadTimeout := time.Duration(viper.GetInt("rules-initial-load-timeout-secs")) * time.Second
	if err := catalog.InitialLoad(ctx, initialLoadTimeout); err != nil {
		logger.Error().Err(err).Msg("rule catalog initial load failed")
		os.Exit(1)
	}

	processor := event.NewProcessor(catalog, engine, ruleDatastore, badgeDatastore, grantService, sharedCache)
	processor.SetProcessedTTL(time.Duration(viper.GetInt("rules-idempotency-ttl-hours")) * time.Hour)
	consumer := event.NewConsumer(ctx, processor, dialer, "badge-worker")
	dlqConsumer := dlq.NewConsumer(dialer, dlq.DefaultConfig())

	runCtx, shutdown := context.WithCancel(ctx)
	defer shutdown()

	loops := map[string]func(context.Context) error{
		"engagement":  consumer.RunEngagement,
		"transaction": consumer.RunTransaction,
		"rule-reload": func(c context.Context) error {
			// per-instance group: every worker must observe reloads
			group := kafka.ConsumerGroup() + ".reload." + uuid.NewV4().String()
			return catalog.RunReloadListener(c, dialer, group)
		},
		"catalog-refresh": catalog.Run,
		"dlq":             dlqConsumer.Run,
		"expiry-sweep": func(c context.Context) error {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-c.Done():
					return c.Err()
				case <-ticker.C:
					expired, err := grantDatastore.ExpireDue(c, 500)
					if err != nil {
						logger.Warn().Err(err).Msg("badge expiry sweep failed")
					} else if expired > 0 {
						logger.Info().Int64("expired", expired).Msg("expired due badges")
					}
				}
			}
		},
		"lock-cleanup": func(c context.Context) error {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-c.Done():
					return c.Err()
				case <-ticker.C:
					if _, err := locks.CleanupExpired(c); err != nil {
						logger.Warn().Err(err).Msg("lock cleanup failed")
					}
				}
			}
		},
	}

	errs := make(chan error, len(loops))
	for name, loop := range loops {
		name, loop := name, loop
		go func() {
			err := loop(runCtx)
			if err != nil && runCtx.Err() == nil {
				logger.Error().Err(err).Str("loop", name).Msg("consumer loop exited")
				sentry.CaptureException(err)
			}
			errs <- err
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigs:
		logger.Info().Msg("shutdown signal received, draining consumers")
	case <-errs:
		logger.Error().Msg("a consumer loop failed, shutting down")
		shutdown()
		os.Exit(1)
	}

	shutdown()
	// in-flight messages drain, no new messages are consumed
	for i := 0; i < len(loops); i++ {
		<-errs
	}
	logger.Info().Msg("worker stopped cleanly")
}
