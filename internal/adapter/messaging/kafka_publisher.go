package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/cart-ledger/internal/core/domain"
	"github.com/rl1809/cart-ledger/internal/port"
)

var _ port.ReceiptPublisher = (*KafkaPublisher)(nil)

type ReceiptLineEvent struct {
	ItemID    string `json:"item_id"`
	ItemName  string `json:"item_name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

type ReceiptEvent struct {
	CheckoutID  string             `json:"checkout_id"`
	Total       string             `json:"total"`
	CommittedAt time.Time          `json:"committed_at"`
	Lines       []ReceiptLineEvent `json:"lines"`
}

func NewReceiptEvent(receipt domain.Receipt) ReceiptEvent {
	lines := make([]ReceiptLineEvent, 0, len(receipt.Lines))
	for _, l := range receipt.Lines {
		lines = append(lines, ReceiptLineEvent{
			ItemID:    l.ItemID,
			ItemName:  l.ItemName,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.String(),
			LineTotal: l.LineTotal.String(),
		})
	}
	return ReceiptEvent{
		CheckoutID:  receipt.CheckoutID,
		Total:       receipt.Total.String(),
		CommittedAt: receipt.CommittedAt,
		Lines:       lines,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher emits one message per committed checkout, keyed by checkout id.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func NewKafkaPublisher(writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) PublishReceipt(ctx context.Context, receipt domain.Receipt) error {
	payload, err := json.Marshal(NewReceiptEvent(receipt))
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(receipt.CheckoutID),
		Value: payload,
		Time:  receipt.CommittedAt,
	})
	if err != nil {
		return fmt.Errorf("write receipt message: %w", err)
	}
	return nil
}
