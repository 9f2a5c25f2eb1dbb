// Package main is the entrypoint for the redelivery worker Lambda function.
//
// The worker consumes failed-delivery records from the journal SQS queue and
// replays them against the downstream systems. Records that fail again are
// reported as partial batch failures so SQS redrives only those messages;
// records that are unparseable or reference retired products are acknowledged
// and dropped after logging.
//
// Cold start (main):
//  1. Initialize structured logger.
//  2. Load AWS SDK and application configuration.
//  3. Build the enrollment and CRM clients with the standard retrying policy
//     (unlike the API fan-out, SQS redrive is slow, so in-process retries are
//     worth having here).
//  4. Build the relay and register the Lambda handler.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"courserelay/internal/catalog"
	"courserelay/internal/config"
	"courserelay/internal/external"
	"courserelay/internal/relay"
	"courserelay/internal/types"
)

// Handler holds the dependencies for the redelivery Lambda handler.
type Handler struct {
	relay  *relay.Relay
	logger *slog.Logger
}

// Handle processes an SQS event containing one or more journaled deliveries.
// Each record is replayed independently; failures are returned as partial
// batch failures so SQS retries only those records.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "redelivery failed",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processRecord replays a single journaled delivery.
func (h *Handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	var failed types.FailedDelivery
	if err := json.Unmarshal([]byte(record.Body), &failed); err != nil {
		h.logger.ErrorContext(ctx, "dropping unparseable journal record",
			"message_id", record.MessageId,
			"error", err,
		)
		// Permanent parse failure; acknowledge so it is not redriven forever.
		return nil
	}

	logger := h.logger.With(
		"delivery_id", failed.ID,
		"target", string(failed.Target),
		"product", failed.Event.ProductKey,
		"session_id", failed.Event.SessionID,
	)

	logger.InfoContext(ctx, "replaying journaled delivery",
		"originally_failed_at", failed.FailedAt,
		"reason", failed.Reason,
	)

	err := h.relay.Replay(ctx, failed)
	if err == nil {
		logger.InfoContext(ctx, "redelivery succeeded")
		return nil
	}

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeNotFoundProduct, types.ErrCodeInternalJournal:
			// The catalog no longer supports this delivery; redriving cannot
			// help. Acknowledge and drop.
			logger.WarnContext(ctx, "dropping unreplayable journal record",
				"error", err,
			)
			return nil
		}
	}

	return err
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	handler, err := buildHandler(logger)
	if err != nil {
		logger.Error("redelivery worker initialization failed", "error", err)
		os.Exit(1)
	}

	lambda.Start(handler.Handle)
}

// buildHandler wires the worker's dependencies from the environment.
func buildHandler(logger *slog.Logger) (*Handler, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	enrollmentBase := external.NewBaseClient(
		httpClient,
		"kajabi-redelivery",
		external.DefaultRetryPolicy(),
		"CourseRelay/1.0",
	)
	enrollmentClient := external.NewKajabiClientWithBase(enrollmentBase, external.KajabiClientConfig{
		BaseURL:      cfg.Enrollment.BaseURL,
		WebhookToken: cfg.Enrollment.WebhookToken.Unmask(),
		Logger:       logger,
	})

	crmBase := external.NewBaseClient(
		httpClient,
		"convertkit-redelivery",
		external.DefaultRetryPolicy(),
		"CourseRelay/1.0",
	)
	crmClient := external.NewConvertKitClientWithBase(crmBase, external.ConvertKitClientConfig{
		APISecret: cfg.CRM.APISecret.Unmask(),
		BaseURL:   cfg.CRM.BaseURL,
		Logger:    logger,
	})

	// No journal here: a replay that fails stays on the queue via the partial
	// batch response instead of being re-journaled.
	deliveryRelay := relay.New(relay.Config{
		Registry:   catalog.Default(),
		Enrollment: enrollmentClient,
		CRM:        crmClient,
		Logger:     logger,
	})

	return &Handler{
		relay:  deliveryRelay,
		logger: logger,
	}, nil
}
