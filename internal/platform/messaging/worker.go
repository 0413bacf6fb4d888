package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/docqa/deid/internal/deid"
)

// Anonymizer is the part of deid.Service the worker uses.
type Anonymizer interface {
	Anonymize(ctx context.Context, req deid.AnonymizeRequest) (*deid.AnonymizedDocument, error)
}

// Publisher sends an encoded OutboundDocument downstream.
type Publisher interface {
	Publish(ctx context.Context, messageID string, body []byte) error
}

// Worker turns deliveries of the input queue into anonymized documents on
// the output queue.
type Worker struct {
	anon   Anonymizer
	pub    Publisher
	logger zerolog.Logger
	now    func() time.Time
}

func NewWorker(anon Anonymizer, pub Publisher, logger zerolog.Logger) *Worker {
	return &Worker{
		anon:   anon,
		pub:    pub,
		logger: logger.With().Str("component", "queue_worker").Logger(),
		now:    time.Now,
	}
}

// Process anonymizes one raw message and publishes the result.
func (w *Worker) Process(ctx context.Context, body []byte) (*OutboundDocument, error) {
	var in InboundDocument
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, &deid.ValidationError{Err: fmt.Errorf("decode message: %w", err)}
	}

	doc, err := w.anon.Anonymize(ctx, deid.AnonymizeRequest{
		DocumentContent: in.TextContent,
		DocumentID:      string(in.DocumentID),
		Filename:        in.Filename,
	})
	if err != nil {
		return nil, err
	}

	out := &OutboundDocument{
		DocumentID:  doc.DocumentID,
		Filename:    in.Filename,
		TextContent: doc.Content,
		Metadata:    in.Metadata,
		Anonymized:  true,
		ProcessedAt: w.now().UTC(),
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode outbound document: %w", err)
	}
	if err := w.pub.Publish(ctx, out.DocumentID, encoded); err != nil {
		// Mapping rows stay behind with no published document referencing them.
		w.logger.Error().Err(err).
			Str("document_id", out.DocumentID).
			Int("mappings", doc.Count).
			Msg("mappings persisted, output lost")
		return nil, fmt.Errorf("publish document %s: %w", out.DocumentID, err)
	}
	return out, nil
}

// HandleDelivery acks a processed delivery and rejects a failed one without
// requeue. Mappings are already written once anonymization succeeds, so a
// redelivery would pseudonymize the document a second time.
func (w *Worker) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	out, err := w.Process(ctx, d.Body)
	if err != nil {
		w.logger.Error().Err(err).
			Uint64("delivery_tag", d.DeliveryTag).
			Str("message_id", d.MessageId).
			Msg("document rejected")
		if rejErr := d.Reject(false); rejErr != nil {
			w.logger.Error().Err(rejErr).Uint64("delivery_tag", d.DeliveryTag).Msg("reject failed")
		}
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		w.logger.Error().Err(ackErr).Str("document_id", out.DocumentID).Msg("ack failed")
		return
	}
	w.logger.Info().
		Str("document_id", out.DocumentID).
		Str("filename", out.Filename).
		Dur("elapsed", time.Since(start)).
		Msg("document forwarded")
}
