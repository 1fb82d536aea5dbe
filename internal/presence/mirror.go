package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jamesrossjr/canvas-core/internal/collab"
	"go.uber.org/zap"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 2 * time.Second
)

var errMissingStore = errors.New("presence: store required")

// MirrorConfig describes the dependencies of a Mirror.
type MirrorConfig struct {
	Store        *Store
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

type update struct {
	workspaceID  collab.WorkspaceID
	connectionID collab.ConnectionID
	participant  collab.Participant
	left         bool
}

// Mirror implements collab.PresenceObserver. Updates are queued and written by a
// single worker so the relay never waits on Redis and per-workspace order is kept.
// A full queue drops the update.
type Mirror struct {
	store        *Store
	writeTimeout time.Duration
	logger       *zap.Logger
	queue        chan update
	done         chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

// NewMirror starts the mirror worker.
func NewMirror(cfg MirrorConfig) (*Mirror, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mirror := &Mirror{
		store:        cfg.Store,
		writeTimeout: writeTimeout,
		logger:       logger,
		queue:        make(chan update, queueSize),
		done:         make(chan struct{}),
	}
	mirror.wg.Add(1)
	go mirror.run()
	return mirror, nil
}

// ParticipantChanged queues a participant upsert.
func (m *Mirror) ParticipantChanged(workspaceID collab.WorkspaceID, participant collab.Participant) {
	m.enqueue(update{workspaceID: workspaceID, connectionID: collab.ConnectionID(participant.ID), participant: participant})
}

// ParticipantLeft queues a participant removal.
func (m *Mirror) ParticipantLeft(workspaceID collab.WorkspaceID, connectionID collab.ConnectionID) {
	m.enqueue(update{workspaceID: workspaceID, connectionID: connectionID, left: true})
}

// Close stops accepting updates, flushes whatever is queued and waits for the worker.
func (m *Mirror) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
	return nil
}

func (m *Mirror) enqueue(item update) {
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.queue <- item:
	default:
		m.logger.Warn("presence mirror queue full, dropping update",
			zap.String("workspace_id", item.workspaceID.String()),
			zap.String("connection_id", item.connectionID.String()))
	}
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for {
		select {
		case item := <-m.queue:
			m.apply(item)
		case <-m.done:
			for {
				select {
				case item := <-m.queue:
					m.apply(item)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) apply(item update) {
	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()

	var err error
	if item.left {
		err = m.store.Remove(ctx, item.workspaceID, item.connectionID)
	} else {
		err = m.store.Save(ctx, item.workspaceID, item.participant)
	}
	if err != nil {
		m.logger.Warn("presence mirror write failed",
			zap.String("workspace_id", item.workspaceID.String()),
			zap.String("connection_id", item.connectionID.String()),
			zap.Bool("left", item.left),
			zap.Error(err))
	}
}
