package cmd

import (
	"os"
	"time"

	"github.com/badgeworks/badge-go/libs/cache"
	"github.com/badgeworks/badge-go/libs/clients/benefits"
	"github.com/badgeworks/badge-go/libs/kafka"
	"github.com/badgeworks/badge-go/libs/lock"
	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/badgeworks/badge-go/services/badge"
	"github.com/badgeworks/badge-go/services/notification"
	"github.com/badgeworks/badge-go/services/redemption"
	uuid "github.com/satori/go.uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	redeemUserID        string
	redeemRuleID        int64
	redeemTargetBadgeID int64
	redeemKey           string
)

func init() {
	RedeemCmd.Flags().StringVar(&redeemUserID, "user", "", "the user id to redeem for")
	RedeemCmd.Flags().Int64Var(&redeemRuleID, "rule", 0, "the redemption rule id")
	RedeemCmd.Flags().StringVar(&redeemKey, "idempotency-key", "", "idempotency key, generated when absent")
	Must(RedeemCmd.MarkFlagRequired("user"))

	CompetitiveRedeemCmd.Flags().StringVar(&redeemUserID, "user", "", "the user id to redeem for")
	CompetitiveRedeemCmd.Flags().Int64Var(&redeemTargetBadgeID, "badge", 0, "the target badge id")
	Must(CompetitiveRedeemCmd.MarkFlagRequired("user"))
	Must(CompetitiveRedeemCmd.MarkFlagRequired("badge"))

	RedeemCmd.AddCommand(CompetitiveRedeemCmd)
	RootCmd.AddCommand(RedeemCmd)
}

// RedeemCmd - operator tool to run an order based redemption
var RedeemCmd = &cobra.Command{
	Use:   "redeem",
	Short: "redeem badges for a benefit on behalf of a user",
	Run:   redeemRun,
}

// CompetitiveRedeemCmd - operator tool to run a competitive redemption
var CompetitiveRedeemCmd = &cobra.Command{
	Use:   "competitive",
	Short: "redeem badges for a limited target badge on behalf of a user",
	Run:   competitiveRedeemRun,
}

func newRedemptionService(command *cobra.Command) *redemption.Service {
	ctx := command.Context()
	logger := logging.Logger(ctx, "cmd.redeem")

	databaseURL := viper.GetString("database-url")
	redemptionDatastore, err := redemption.NewPostgres(databaseURL, false)
	if err != nil {
		logger.Error().Err(err).Msg("unable to connect to the redemption datastore")
		os.Exit(1)
	}
	badgeDatastore, err := badge.NewPostgres(databaseURL, false)
	if err != nil {
		logger.Error().Err(err).Msg("unable to connect to the badge datastore")
		os.Exit(1)
	}

	pool := cache.NewPool(viper.GetString("redis-url"))
	sharedCache := cache.New(pool)
	locks := lock.NewManager(sharedCache, redemptionDatastore.RawDB())

	dialer, err := kafka.TLSDialer()
	if err != nil {
		logger.Error().Err(err).Msg("unable to build kafka dialer")
		os.Exit(2)
	}

	benefitClient, err := benefits.New()
	if err != nil {
		logger.Error().Err(err).Msg("unable to build benefit client")
		os.Exit(2)
	}

	return redemption.InitService(
		redemptionDatastore, badgeDatastore, sharedCache, locks, benefitClient,
		kafka.NewWriter(ctx, dialer, kafka.ShipmentsTopic),
		notification.NewPublisher(ctx, dialer))
}

func redeemRun(command *cobra.Command, args []string) {
	ctx := command.Context()
	logger := logging.Logger(ctx, "cmd.redeem")

	service := newRedemptionService(command)

	key := redeemKey
	if key == "" {
		key = uuid.NewV4().String()
	}

	order, err := service.Redeem(ctx, redeemUserID, redeemRuleID, key)
	if err != nil {
		logger.Error().Err(err).Msg("redemption failed")
		os.Exit(1)
	}

	logger.Info().
		Str("orderNo", order.OrderNo).
		Str("status", string(order.Status)).
		Msg("redemption complete")
	// give the async benefit dispatch a moment before the process exits
	time.Sleep(2 * time.Second)
}

func competitiveRedeemRun(command *cobra.Command, args []string) {
	ctx := command.Context()
	logger := logging.Logger(ctx, "cmd.redeem.competitive")

	service := newRedemptionService(command)

	userBadgeID, err := service.CompetitiveRedeem(ctx, redeemUserID, redeemTargetBadgeID)
	if err != nil {
		logger.Error().Err(err).Msg("competitive redemption failed")
		os.Exit(1)
	}

	logger.Info().Int64("userBadgeId", userBadgeID).Msg("competitive redemption won")
}
