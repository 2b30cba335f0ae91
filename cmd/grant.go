package cmd

import (
	"os"

	"github.com/badgeworks/badge-go/libs/cache"
	"github.com/badgeworks/badge-go/libs/kafka"
	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/badgeworks/badge-go/services/batch"
	"github.com/badgeworks/badge-go/services/grant"
	"github.com/badgeworks/badge-go/services/notification"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	grantUserID   string
	grantBadgeID  int64
	grantQuantity int64
	grantReason   string
	batchFile     string
	batchBadgeID  int64
)

func init() {
	GrantCmd.Flags().StringVar(&grantUserID, "user", "", "the user id to grant to")
	GrantCmd.Flags().Int64Var(&grantBadgeID, "badge", 0, "the badge id to grant")
	GrantCmd.Flags().Int64Var(&grantQuantity, "quantity", 1, "the quantity to grant")
	GrantCmd.Flags().StringVar(&grantReason, "reason", "manual issuance", "why the badge is granted")
	Must(GrantCmd.MarkFlagRequired("user"))
	Must(GrantCmd.MarkFlagRequired("badge"))

	BatchIssueCmd.Flags().StringVar(&batchFile, "file", "", "path to the issuance csv")
	BatchIssueCmd.Flags().Int64Var(&batchBadgeID, "badge", 0, "the badge id to grant")
	Must(BatchIssueCmd.MarkFlagRequired("file"))
	Must(BatchIssueCmd.MarkFlagRequired("badge"))

	GrantCmd.AddCommand(BatchIssueCmd)
	RootCmd.AddCommand(GrantCmd)
}

// GrantCmd - operator tool for manual badge issuance
var GrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "manually grant a badge to a user",
	Run:   grantRun,
}

// BatchIssueCmd - operator tool for csv batch issuance
var BatchIssueCmd = &cobra.Command{
	Use:   "batch",
	Short: "grant a badge to every user listed in a csv",
	Run:   batchIssueRun,
}

func newGrantService(command *cobra.Command) (*grant.Service, grant.Datastore) {
	ctx := command.Context()
	logger := logging.Logger(ctx, "cmd.grant")

	grantDatastore, err := grant.NewPostgres(viper.GetString("database-url"), false)
	if err != nil {
		logger.Error().Err(err).Msg("unable to connect to the grant datastore")
		os.Exit(1)
	}

	pool := cache.NewPool(viper.GetString("redis-url"))
	sharedCache := cache.New(pool)

	dialer, err := kafka.TLSDialer()
	if err != nil {
		logger.Error().Err(err).Msg("unable to build kafka dialer")
		os.Exit(2)
	}

	return grant.InitService(grantDatastore, sharedCache,
		notification.NewPublisher(ctx, dialer)), grantDatastore
}

func grantRun(command *cobra.Command, args []string) {
	ctx := command.Context()
	logger := logging.Logger(ctx, "cmd.grant")

	service, _ := newGrantService(command)

	userBadgeID, err := service.Grant(ctx, grant.Request{
		UserID:     grantUserID,
		BadgeID:    grantBadgeID,
		Quantity:   grantQuantity,
		SourceType: grant.SourceManual,
		RefID:      "cli",
		Reason:     grantReason,
	})
	if err != nil {
		logger.Error().Err(err).Msg("grant failed")
		os.Exit(1)
	}
	logger.Info().Int64("userBadgeId", userBadgeID).Msg("badge granted")
}

func batchIssueRun(command *cobra.Command, args []string) {
	ctx := command.Context()
	logger := logging.Logger(ctx, "cmd.grant.batch")

	service, _ := newGrantService(command)

	batchDatastore, err := batch.NewPostgres(viper.GetString("database-url"), false)
	if err != nil {
		logger.Error().Err(err).Msg("unable to connect to the batch datastore")
		os.Exit(1)
	}

	task, err := batchDatastore.CreateTask(ctx, "badge_issuance", batchFile, nil)
	if err != nil {
		logger.Error().Err(err).Msg("unable to record batch task")
		os.Exit(1)
	}

	f, err := os.Open(batchFile)
	if err != nil {
		logger.Error().Err(err).Msg("unable to open issuance csv")
		os.Exit(2)
	}
	defer func() { _ = f.Close() }()

	runner := batch.NewRunner(batchDatastore, service)
	if err := runner.RunIssuance(ctx, task.ID, batchBadgeID, f); err != nil {
		logger.Error().Err(err).Msg("batch issuance failed")
		os.Exit(1)
	}
}
