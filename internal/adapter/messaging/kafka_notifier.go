package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rl1809/stock-checkout/internal/core/domain"
)

const EventReconciliationPending = "stock.reconciliation.pending"

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

type ReconciliationEvent struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservation_id"`
	ProductID     string    `json:"product_id"`
	Size          int       `json:"size"`
	Amount        int       `json:"amount"`
	Reason        string    `json:"reason"`
	LastError     string    `json:"last_error"`
	CreatedAt     time.Time `json:"created_at"`
}

// KafkaNotifier publishes pending reconciliation entries so operators hear
// about stock that could not be given back automatically. Messages are keyed
// by reservation id.
type KafkaNotifier struct {
	producer Producer
	log      zerolog.Logger
}

func NewKafkaNotifier(producer Producer, log zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, log: log.With().Str("component", "kafka_notifier").Logger()}
}

func (n *KafkaNotifier) NotifyReconciliation(ctx context.Context, e domain.ReconciliationEntry) error {
	payload, err := json.Marshal(ReconciliationEvent{
		ID:            e.ID,
		ReservationID: e.ReservationID,
		ProductID:     e.ProductID,
		Size:          e.Size,
		Amount:        e.Amount,
		Reason:        e.Reason,
		LastError:     e.LastError,
		CreatedAt:     e.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal reconciliation event: %w", err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := []kafka.Header{{Key: "event_type", Value: []byte(EventReconciliationPending)}}
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	msg := kafka.Message{
		Key:     []byte(e.ReservationID),
		Value:   payload,
		Headers: headers,
	}
	if err := n.producer.WriteMessages(ctx, msg); err != nil {
		n.log.Error().Err(err).Str("reconciliation_id", e.ID).Msg("publish failed")
		return fmt.Errorf("publish reconciliation %s: %w", e.ID, err)
	}

	n.log.Info().Str("reconciliation_id", e.ID).Str("reservation_id", e.ReservationID).Msg("reconciliation published")
	return nil
}
