// Package oplog publishes relayed block operations to Kafka for the document
// persistence service. Publishing is best effort and never blocks the relay.
package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/jamesrossjr/canvas-core/internal/collab"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultQueueSize   = 1024
	defaultWorkers     = 4
	defaultBaseBackoff = 100 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second
	defaultMaxInFlight = 8

	operationTypeHeader = "operation-type"
)

var (
	errMissingProducer = errors.New("oplog: producer required")
	errMissingTopic    = errors.New("oplog: topic required")
)

// FeedConfig describes the dependencies of a Feed.
type FeedConfig struct {
	Producer    sarama.SyncProducer
	Topic       string
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxInFlight int64
	Logger      *zap.Logger
}

// Counters reports what happened to the operations handed to a Feed.
type Counters struct {
	Published uint64
	Dropped   uint64
	Failed    uint64
}

// Feed implements collab.OperationSink on top of a Kafka SyncProducer. Each worker
// owns a queue and every workspace hashes to exactly one worker, so operations of a
// workspace are sent in relay order; retries happen in place and hold back the
// operations queued behind them. A full queue drops the operation. Records are keyed
// by workspace id so one workspace stays on one partition.
type Feed struct {
	producer    sarama.SyncProducer
	topic       string
	queues      []chan collab.BlockOperation
	inFlight    *semaphore.Weighted
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewProducerConfig returns the sarama configuration the feed expects from its producer.
func NewProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "canvas-collab"
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 0
	return cfg
}

// NewProducer dials the brokers with NewProducerConfig.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	return sarama.NewSyncProducer(brokers, NewProducerConfig())
}

// NewFeed starts the feed workers.
func NewFeed(cfg FeedConfig) (*Feed, error) {
	if cfg.Producer == nil {
		return nil, errMissingProducer
	}
	if cfg.Topic == "" {
		return nil, errMissingTopic
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < baseBackoff {
		maxBackoff = defaultMaxBackoff
		if maxBackoff < baseBackoff {
			maxBackoff = baseBackoff
		}
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	maxRetry := cfg.MaxRetry
	if maxRetry < 0 {
		maxRetry = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	perWorker := queueSize / workers
	if perWorker < 1 {
		perWorker = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	feed := &Feed{
		producer:    cfg.Producer,
		topic:       cfg.Topic,
		queues:      make([]chan collab.BlockOperation, workers),
		inFlight:    semaphore.NewWeighted(maxInFlight),
		maxRetry:    maxRetry,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	for worker := range feed.queues {
		feed.queues[worker] = make(chan collab.BlockOperation, perWorker)
		feed.wg.Add(1)
		go feed.workerLoop(worker, feed.queues[worker])
	}
	return feed, nil
}

// PublishOperation queues the operation and returns immediately.
func (f *Feed) PublishOperation(operation collab.BlockOperation) {
	select {
	case <-f.done:
		f.dropped.Add(1)
		return
	default:
	}
	select {
	case f.queueFor(operation.WorkspaceID) <- operation:
	default:
		f.dropped.Add(1)
		f.logger.Warn("operation feed queue full, dropping operation",
			zap.String("workspace_id", operation.WorkspaceID),
			zap.String("block_id", operation.TargetBlock()))
	}
}

func (f *Feed) queueFor(workspaceID string) chan collab.BlockOperation {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(workspaceID))
	return f.queues[hash.Sum32()%uint32(len(f.queues))]
}

// Counters returns a snapshot of the feed counters.
func (f *Feed) Counters() Counters {
	return Counters{
		Published: f.published.Load(),
		Dropped:   f.dropped.Load(),
		Failed:    f.failed.Load(),
	}
}

// Close stops accepting operations and lets the workers drain the queue. When ctx
// expires first, pending retries are abandoned. The producer is closed last.
func (f *Feed) Close(ctx context.Context) error {
	f.once.Do(func() {
		close(f.done)
	})

	drained := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(drained)
	}()

	var drainErr error
	select {
	case <-drained:
	case <-ctx.Done():
		drainErr = ctx.Err()
		f.cancel()
		<-drained
	}
	f.cancel()

	if err := f.producer.Close(); err != nil {
		return errors.Join(drainErr, err)
	}
	return drainErr
}

func (f *Feed) workerLoop(workerID int, queue <-chan collab.BlockOperation) {
	defer f.wg.Done()
	for {
		select {
		case operation := <-queue:
			f.sendWithRetry(workerID, operation)
		case <-f.done:
			for {
				select {
				case operation := <-queue:
					f.sendWithRetry(workerID, operation)
				default:
					return
				}
			}
		}
	}
}

func (f *Feed) sendWithRetry(workerID int, operation collab.BlockOperation) {
	message, err := f.message(operation)
	if err != nil {
		f.failed.Add(1)
		f.logger.Error("operation feed encode failed", zap.Error(err))
		return
	}

	for attempt := 0; ; attempt++ {
		if err := f.inFlight.Acquire(f.ctx, 1); err != nil {
			f.failed.Add(1)
			return
		}
		_, _, err = f.producer.SendMessage(message)
		f.inFlight.Release(1)

		if err == nil {
			f.published.Add(1)
			return
		}
		if attempt >= f.maxRetry {
			f.failed.Add(1)
			f.logger.Warn("operation feed send failed, dropping operation",
				zap.String("workspace_id", operation.WorkspaceID),
				zap.Int64("timestamp", operation.Timestamp),
				zap.Int("worker", workerID),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return
		}

		backoff := f.baseBackoff * time.Duration(1<<attempt)
		if backoff > f.maxBackoff || backoff <= 0 {
			backoff = f.maxBackoff
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-f.ctx.Done():
			timer.Stop()
			f.failed.Add(1)
			return
		}
	}
}

func (f *Feed) message(operation collab.BlockOperation) (*sarama.ProducerMessage, error) {
	payload, err := json.Marshal(operation)
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic: f.topic,
		Key:   sarama.StringEncoder(operation.WorkspaceID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(operationTypeHeader), Value: []byte(operation.Type)},
		},
	}, nil
}
