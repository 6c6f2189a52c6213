package events

import (
	"context"

	"opqueue/internal/coordinator"
	"opqueue/internal/logging"
)

// PendingCounter reports how many operations still await sync.
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

// SnapshotSink decorates a Hub with a pending-count snapshot after each
// drain run, so UI clients can render "N changes pending" without
// querying the store themselves.
type SnapshotSink struct {
	*Hub
	counter PendingCounter
}

// NewSnapshotSink wraps the hub. counter is typically the operation
// store.
func NewSnapshotSink(h *Hub, counter PendingCounter) *SnapshotSink {
	return &SnapshotSink{Hub: h, counter: counter}
}

// RunFinished publishes the run summary followed by a queue snapshot.
func (s *SnapshotSink) RunFinished(result coordinator.RunResult) {
	s.Hub.RunFinished(result)
	s.publishSnapshot()
}

// PublishSnapshot emits the current pending count on demand.
func (s *SnapshotSink) PublishSnapshot() {
	s.publishSnapshot()
}

func (s *SnapshotSink) publishSnapshot() {
	n, err := s.counter.CountPending(context.Background())
	if err != nil {
		logging.Error("Failed to count pending operations", err, nil)
		return
	}
	s.Publish(EventQueuePending, map[string]interface{}{"pending": n})
}
