// Package notification emits notification envelopes to the bus.
// Delivery to users (push, sms, email) is a downstream worker's job.
package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/badgeworks/badge-go/libs/kafka"
	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/prometheus/client_golang/prometheus"
	uuid "github.com/satori/go.uuid"
	kafkago "github.com/segmentio/kafka-go"
)

// Type - the notification type
type Type string

const (
	// TypeBadgeGranted - a badge was issued
	TypeBadgeGranted Type = "BADGE_GRANTED"
	// TypeBadgeRevoked - a badge was revoked
	TypeBadgeRevoked Type = "BADGE_REVOKED"
	// TypeBadgeExpiring - a badge is about to expire
	TypeBadgeExpiring Type = "BADGE_EXPIRING"
	// TypeRedemptionSuccess - a redemption order completed
	TypeRedemptionSuccess Type = "REDEMPTION_SUCCESS"
	// TypeBenefitGranted - an auto benefit was dispatched
	TypeBenefitGranted Type = "BENEFIT_GRANTED"
)

// Channel - a delivery channel
type Channel string

const (
	// ChannelAppPush - in-app push
	ChannelAppPush Channel = "APP_PUSH"
	// ChannelSMS - text message
	ChannelSMS Channel = "SMS"
	// ChannelWechat - wechat template message
	ChannelWechat Channel = "WECHAT"
	// ChannelEmail - email
	ChannelEmail Channel = "EMAIL"
)

// Envelope - the badge.notifications wire format
type Envelope struct {
	NotificationID   string                 `json:"notificationId"`
	UserID           string                 `json:"userId"`
	NotificationType Type                   `json:"notificationType"`
	Title            string                 `json:"title"`
	Body             string                 `json:"body"`
	Data             map[string]interface{} `json:"data"`
	Channels         []Channel              `json:"channels"`
	CreatedAt        time.Time              `json:"createdAt"`
}

var publishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notifications_published_total",
		Help: "count of notification envelopes published by type and outcome",
	},
	[]string{"type", "outcome"},
)

func init() {
	prometheus.MustRegister(publishedTotal)
}

// Publisher - writes notification envelopes to the notifications topic
type Publisher struct {
	writer *kafkago.Writer
}

// NewPublisher - create a publisher over the notifications topic
func NewPublisher(ctx context.Context, dialer *kafkago.Dialer) *Publisher {
	return &Publisher{writer: kafka.NewWriter(ctx, dialer, kafka.NotificationsTopic)}
}

// Publish - emit an envelope. Publishing is best effort: failures are
// logged and counted, never propagated into the calling transaction.
func (p *Publisher) Publish(ctx context.Context, notificationType Type, userID, title, body string, data map[string]interface{}) {
	logger := logging.Logger(ctx, "notification.Publish")

	envelope := Envelope{
		NotificationID:   uuid.NewV4().String(),
		UserID:           userID,
		NotificationType: notificationType,
		Title:            title,
		Body:             body,
		Data:             data,
		Channels:         []Channel{ChannelAppPush},
		CreatedAt:        time.Now().UTC(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		publishedTotal.WithLabelValues(string(notificationType), "error").Inc()
		logger.Error().Err(err).Msg("failed to marshal notification envelope")
		return
	}

	if err := p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(userID),
		Value: payload,
	}); err != nil {
		publishedTotal.WithLabelValues(string(notificationType), "error").Inc()
		logger.Error().Err(err).
			Str("userId", userID).
			Str("type", string(notificationType)).
			Msg("failed to publish notification")
		return
	}
	publishedTotal.WithLabelValues(string(notificationType), "success").Inc()
}
