package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// ErrSinkBusy is returned when no worker takes an event within the handoff
// timeout.
var ErrSinkBusy = errors.New("event sink busy")

// ErrSinkClosed is returned after Close.
var ErrSinkClosed = errors.New("event sink closed")

// Enqueuer is the subset of *azqueue.QueueClient the sink uses.
type Enqueuer interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// NewQueueClient opens the event queue with the retry policy used for
// every storage client.
func NewQueueClient(connStr, queue string) (*azqueue.QueueClient, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	return azqueue.NewQueueClientFromConnectionString(connStr, queue, &opts)
}

// SinkOptions tunes the worker pool of a QueueSink.
type SinkOptions struct {
	Workers        int
	Buffer         int
	EnqueueTimeout time.Duration
	HandoffTimeout time.Duration
}

func (o SinkOptions) withDefaults() SinkOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = 30 * time.Second
	}
	if o.HandoffTimeout < 0 {
		o.HandoffTimeout = 0
	}
	return o
}

type sinkJob struct {
	projectID string
	event     string
	payload   []byte
}

// QueueSink copies every event envelope onto a storage queue for durable
// consumers. Publish hands off to a pool of workers and never waits on the
// queue itself.
type QueueSink struct {
	queue  Enqueuer
	log    *log.Logger
	opts   SinkOptions
	mu     sync.RWMutex
	jobs   chan sinkJob
	wg     sync.WaitGroup
	closed bool
}

// NewQueueSink starts the workers of a sink writing to q.
func NewQueueSink(q Enqueuer, logger *log.Logger, opts SinkOptions) *QueueSink {
	if logger == nil {
		panic("Logger is not initialized")
	}
	opts = opts.withDefaults()
	s := &QueueSink{queue: q, log: logger, opts: opts, jobs: make(chan sinkJob, opts.Buffer)}
	for i := 0; i < opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logger.Infof("event sink started, workers: %d, buffer: %d, timeout: %v, handoff: %v", opts.Workers, opts.Buffer, opts.EnqueueTimeout, opts.HandoffTimeout)
	return s
}

func (s *QueueSink) worker(id int) {
	defer s.wg.Done()
	for j := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.EnqueueTimeout)
		_, err := s.queue.EnqueueMessage(ctx, string(j.payload), nil)
		cancel()
		if err != nil {
			s.log.Errorf("enqueue event failed, err: %v, event: %s, project: %s, worker: %d", err, j.event, j.projectID, id)
		}
	}
}

// Publish implements domain.Publisher.
func (s *QueueSink) Publish(ctx context.Context, projectID string, ev domain.Event) error {
	payload, err := domain.EncodeEvent(projectID, ev)
	if err != nil {
		return err
	}
	job := sinkJob{projectID: projectID, event: ev.EventName(), payload: payload}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.jobs <- job:
		return nil
	default:
	}
	if s.opts.HandoffTimeout == 0 {
		return ErrSinkBusy
	}
	timer := time.NewTimer(s.opts.HandoffTimeout)
	defer timer.Stop()
	select {
	case s.jobs <- job:
		return nil
	case <-timer.C:
		return ErrSinkBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the workers to drain the
// buffer.
func (s *QueueSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
}
