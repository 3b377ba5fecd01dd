package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/GlacierEQ/God-Mind/ledger"
	"github.com/GlacierEQ/God-Mind/logging"
	"github.com/GlacierEQ/God-Mind/state"
	"github.com/GlacierEQ/God-Mind/tasks"
)

// taskKeyPrefix matches the task manager's state store layout.
const taskKeyPrefix = "tasks.task."

// recorder appends every observed task status change to the ledger. It
// watches the task store rather than instrumenting each component, so
// the ledger sees exactly the transitions the store committed, in
// commit order.
type recorder struct {
	ledger *ledger.Ledger
	store  state.StateStore
	logger *logging.Logger

	mu   sync.Mutex
	prev map[string]tasks.TaskStatus

	done chan struct{}
}

func newRecorder(l *ledger.Ledger, store state.StateStore, logger *logging.Logger) *recorder {
	return &recorder{
		ledger: l,
		store:  store,
		logger: logger.WithComponent("recorder"),
		prev:   make(map[string]tasks.TaskStatus),
		done:   make(chan struct{}),
	}
}

func (r *recorder) start() error {
	events, err := r.store.Watch(taskKeyPrefix + "*")
	if err != nil {
		return err
	}
	go r.run(events)
	return nil
}

// stop waits for the watch channel to drain. The store closes the
// channel when it shuts down; stop is called after that phase.
func (r *recorder) stop() {
	<-r.done
}

func (r *recorder) run(events <-chan *state.KeyValue) {
	defer close(r.done)
	for kv := range events {
		r.observe(kv)
	}
}

func (r *recorder) observe(kv *state.KeyValue) {
	taskID := strings.TrimPrefix(kv.Key, taskKeyPrefix)

	if kv.Operation == state.OpDelete {
		r.mu.Lock()
		delete(r.prev, taskID)
		r.mu.Unlock()
		return
	}

	var rec tasks.Task
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		r.logger.Warn("unreadable task record", map[string]interface{}{
			"key":   kv.Key,
			"error": err.Error(),
		})
		return
	}

	r.mu.Lock()
	from, seen := r.prev[taskID]
	if seen && from == rec.Status {
		// Same-status saves (cancel flags, result payloads) are not
		// transitions.
		r.mu.Unlock()
		return
	}
	if rec.Status.IsTerminal() {
		delete(r.prev, taskID)
	} else {
		r.prev[taskID] = rec.Status
	}
	r.mu.Unlock()

	if !seen && rec.Status == tasks.StatusPending {
		// Entry to pending is recorded with the submission envelope.
		return
	}

	tr := ledger.Transition{
		TaskID:  taskID,
		From:    from,
		To:      rec.Status,
		AgentID: rec.AgentID,
		Attempt: rec.Attempts,
		Code:    rec.ErrorCode,
		At:      time.Now().UTC(),
	}
	if err := r.ledger.RecordTransition(context.Background(), tr); err != nil {
		r.logger.Warn("transition not recorded", map[string]interface{}{
			"task_id": taskID,
			"to":      string(rec.Status),
			"error":   err.Error(),
		})
	}
}
