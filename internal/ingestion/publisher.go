package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"MarginLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes outcomes of applied commands to NATS for downstream consumers
// on margin.ledger.events.{outcome_type}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	log       zerolog.Logger
}

// PublishableEvent is one outcome ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	Index          int             `json:"index"`
	CommandType    string          `json:"command_type"`
	OutcomeType    string          `json:"outcome_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// MsgID is the JetStream dedup id; republishing after a restart does not duplicate.
func (p PublishableEvent) MsgID() string {
	return fmt.Sprintf("%d-%d", p.Sequence, p.Index)
}

// NewPublishableEvents splits an envelope into one message per outcome.
func NewPublishableEvents(env *event.EventEnvelope, outcomes []event.Outcome) ([]PublishableEvent, error) {
	out := make([]PublishableEvent, 0, len(outcomes))
	for i, o := range outcomes {
		data, err := json.Marshal(o)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", o.OutcomeType(), err)
		}
		out = append(out, PublishableEvent{
			Sequence:       env.Sequence,
			Index:          i,
			CommandType:    env.EventType.String(),
			OutcomeType:    o.OutcomeType().String(),
			IdempotencyKey: env.IdempotencyKey,
			Payload:        data,
			StateHash:      hex.EncodeToString(env.StateHash[:]),
			Timestamp:      env.Timestamp,
		})
	}
	return out, nil
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log.With().Str("component", "publisher").Logger(),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				op.log.Warn().Err(err).Int64("seq", evt.Sequence).Str("outcome", evt.OutcomeType).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, EventSubjectPrefix+evt.OutcomeType, data, jetstream.WithMsgID(evt.MsgID()))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "MARGIN_LEDGER_EVENTS",
		Subjects:   []string{EventSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", "MARGIN_LEDGER_EVENTS").Msg("ensured outbound stream")
	return nil
}
