package worker

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"
)

// WarmResponse acknowledges a keep-warm invocation.
type WarmResponse struct {
	Status string `json:"status"`
}

// Handler adapts the Worker to the Lambda SQS event source.
type Handler struct {
	lg     *zap.Logger
	worker *Worker
}

// NewHandler creates a Handler.
func NewHandler(lg *zap.Logger, w *Worker) *Handler {
	return &Handler{lg: lg, worker: w}
}

// Handle processes either a keep-warm ping or an SQS batch. Failed records
// are returned as batch item failures so only they are redelivered.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var warm struct {
		Warm bool `json:"warm"`
	}
	if err := json.Unmarshal(raw, &warm); err == nil && warm.Warm {
		h.lg.Info("worker warmed up")
		return WarmResponse{Status: "warmed"}, nil
	}

	var event events.SQSEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	h.lg.Info("received batch", zap.Int("records", len(event.Records)))

	var failures []events.SQSBatchItemFailure
	for _, record := range event.Records {
		msg, err := ParseMessage(record.Body)
		if err != nil {
			h.lg.Error("failed to decode record",
				zap.String("message_id", record.MessageId),
				zap.Error(err),
			)
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			continue
		}
		if err := h.worker.ProcessMessage(ctx, msg); err != nil {
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}

	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}
