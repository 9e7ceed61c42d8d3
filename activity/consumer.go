package activity

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPollInterval = time.Second
	defaultMaxDequeue   = 5
)

// Queue is the subset of *azqueue.QueueClient the consumer uses.
type Queue interface {
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// Consumer drains the event queue into a Recorder.
type Consumer struct {
	Queue    Queue
	Recorder Recorder
	Logger   *log.Logger
	// PollInterval is the pause after an empty or failed dequeue.
	PollInterval time.Duration
	// MaxDequeue drops a message that failed this many times.
	MaxDequeue int64
	now        func() time.Time
}

// Run consumes messages until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	poll := c.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	for {
		handled, err := c.Next(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.Logger.WithError(err).Error("receive")
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}

// Next handles at most one message and reports whether there was one.
// Messages are deleted once recorded, or once they can never be.
func (c *Consumer) Next(ctx context.Context) (bool, error) {
	resp, err := c.Queue.DequeueMessage(ctx, nil)
	if err != nil {
		return false, err
	}
	if len(resp.Messages) == 0 {
		return false, nil
	}
	msg := resp.Messages[0]
	if msg.MessageID == nil || msg.PopReceipt == nil || msg.MessageText == nil {
		return true, nil
	}
	fields := log.Fields{"message": *msg.MessageID}

	at := c.clock()
	if msg.InsertionTime != nil {
		at = *msg.InsertionTime
	}
	entry, err := EntryFromEnvelope(*msg.MessageID, *msg.MessageText, at)
	if err != nil {
		c.Logger.WithFields(fields).WithError(err).Warn("dropping undecodable event")
		return true, c.delete(ctx, *msg.MessageID, *msg.PopReceipt)
	}
	fields["project"] = entry.ProjectID
	fields["event"] = entry.Event

	if err := c.Recorder.Record(ctx, entry); err != nil {
		if msg.DequeueCount != nil && *msg.DequeueCount >= c.maxDequeue() {
			c.Logger.WithFields(fields).WithError(err).Error("dropping event after repeated failures")
			return true, c.delete(ctx, *msg.MessageID, *msg.PopReceipt)
		}
		// left on the queue, it becomes visible again after the visibility timeout
		c.Logger.WithFields(fields).WithError(err).Warn("record failed")
		return true, nil
	}
	c.Logger.WithFields(fields).Debug("event archived")
	return true, c.delete(ctx, *msg.MessageID, *msg.PopReceipt)
}

func (c *Consumer) delete(ctx context.Context, id, receipt string) error {
	_, err := c.Queue.DeleteMessage(ctx, id, receipt, nil)
	return err
}

func (c *Consumer) maxDequeue() int64 {
	if c.MaxDequeue > 0 {
		return c.MaxDequeue
	}
	return defaultMaxDequeue
}

func (c *Consumer) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}
