package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"courserelay/internal/types"
)

// SQSSender abstracts the SQS client for testability.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSJournal persists failed deliveries to an SQS queue so the redelivery
// worker can replay them. It implements the Journal interface.
type SQSJournal struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewSQSJournal creates an SQS-backed journal.
func NewSQSJournal(client SQSSender, queueURL string, logger *slog.Logger) *SQSJournal {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSJournal{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Record publishes one failed delivery to the journal queue.
func (j *SQSJournal) Record(ctx context.Context, failed types.FailedDelivery) error {
	body, err := json.Marshal(failed)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalJournal, "failed to marshal journal record", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(j.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"Target": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(failed.Target)),
			},
			"Product": {
				DataType:    aws.String("String"),
				StringValue: aws.String(failed.Event.ProductKey),
			},
		},
	}

	out, err := j.client.SendMessage(ctx, input)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalJournal,
			fmt.Sprintf("failed to journal delivery %s", failed.ID),
			err,
		)
	}

	j.logger.InfoContext(ctx, "journaled failed delivery",
		"delivery_id", failed.ID,
		"target", string(failed.Target),
		"product", failed.Event.ProductKey,
		"message_id", aws.ToString(out.MessageId),
	)

	return nil
}

var _ Journal = (*SQSJournal)(nil)
