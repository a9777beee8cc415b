package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/samber/lo"
)

// SQSAPI is the subset of the SQS client used for notifications.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Notification announces a newly ingested dataset.
type Notification struct {
	MessageID      string    `json:"message_id"`
	ReceiptHandle  string    `json:"receipt_handle"`
	EventType      string    `json:"type"`
	DatasetID      string    `json:"dataset_id"`
	Title          string    `json:"title"`
	ContributorID  string    `json:"contributor_id"`
	OrganizationID string    `json:"organization_id"`
	Rows           int64     `json:"number_of_rows"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	RawMessage     string    `json:"raw_message"`
}

// PollNotificationsOptions contains options for polling notifications from SQS.
type PollNotificationsOptions struct {
	MaxMessages     int32 // 1-10, default 10
	WaitTimeSeconds int32 // long polling wait, 0-20 seconds, default 20
	AutoAcknowledge *bool // delete messages after receiving, default true
	// ContributorIDs optionally keeps only datasets from these contributors.
	ContributorIDs []string
}

// PollNotifications long-polls the dataset queue.
//
// Messages are deleted after retrieval unless opts.AutoAcknowledge is false,
// in which case call DeleteNotification once a notification is processed:
//
//	autoAck := false
//	notifications, err := c.PollNotifications(ctx, consumer.PollNotificationsOptions{AutoAcknowledge: &autoAck})
//	for _, n := range notifications {
//		if err := process(n); err != nil {
//			continue // becomes visible again after the visibility timeout
//		}
//		c.DeleteNotification(ctx, n.ReceiptHandle)
//	}
func (c *Consumer) PollNotifications(ctx context.Context, opts PollNotificationsOptions) ([]Notification, error) {
	if c.sqs == nil {
		return nil, fmt.Errorf("notifications are not configured: set Config.QueueURL")
	}

	if opts.MaxMessages <= 0 || opts.MaxMessages > 10 {
		opts.MaxMessages = 10
	}
	if opts.WaitTimeSeconds <= 0 || opts.WaitTimeSeconds > 20 {
		opts.WaitTimeSeconds = 20
	}
	autoAcknowledge := true
	if opts.AutoAcknowledge != nil {
		autoAcknowledge = *opts.AutoAcknowledge
	}

	out, err := c.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   opts.MaxMessages,
		WaitTimeSeconds:       opts.WaitTimeSeconds,
		VisibilityTimeout:     300,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to poll SQS queue: %w", err)
	}

	var notifications []Notification
	for _, message := range out.Messages {
		var n Notification
		if err := json.Unmarshal([]byte(aws.ToString(message.Body)), &n); err != nil {
			// Malformed messages are left on the queue for its redrive policy.
			continue
		}
		n.MessageID = aws.ToString(message.MessageId)
		n.ReceiptHandle = aws.ToString(message.ReceiptHandle)
		n.RawMessage = aws.ToString(message.Body)

		if len(opts.ContributorIDs) > 0 && !lo.Contains(opts.ContributorIDs, n.ContributorID) {
			continue
		}
		notifications = append(notifications, n)

		if autoAcknowledge {
			if err := c.DeleteNotification(ctx, n.ReceiptHandle); err != nil {
				return notifications, err
			}
		}
	}

	return notifications, nil
}

// DeleteNotification deletes a notification message from the queue after processing.
func (c *Consumer) DeleteNotification(ctx context.Context, receiptHandle string) error {
	if c.sqs == nil {
		return fmt.Errorf("notifications are not configured: set Config.QueueURL")
	}

	_, err := c.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}

	return nil
}
