package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// EventDatasetCreated is published after a dataset is registered.
const EventDatasetCreated = "dataset.created"

// Event announces an ingestion.
type Event struct {
	Type           string    `json:"type"`
	DatasetID      string    `json:"dataset_id"`
	Title          string    `json:"title"`
	ContributorID  string    `json:"contributor_id"`
	OrganizationID string    `json:"organization_id"`
	Rows           int64     `json:"number_of_rows"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
}

// Publisher delivers ingestion events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// SQSAPI is the subset of the SQS client used by SQSPublisher.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends events to a queue as JSON.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
}

// NewSQSPublisher returns a publisher for queueURL.
func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(ev.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send %s event: %w", ev.Type, err)
	}
	return nil
}
