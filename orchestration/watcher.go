package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/itsneelabh/agentloop/core"
)

// DefaultWatchInterval is the upper bound on completion detection latency.
const DefaultWatchInterval = 500 * time.Millisecond

// CompletionCallback receives an agent's terminal result exactly once.
type CompletionCallback func(result *WorkerAgentResult) error

// WatchProgress counts every agent watched since the last Clear by status.
type WatchProgress struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Running int `json:"running"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Timeout int `json:"timeout"`
}

type watchEntry struct {
	agent    *WorkerAgent
	callback CompletionCallback
}

// ExecutionWatcher tracks worker agents and fires one callback per agent
// when it finishes. The monitor loop polls on an interval and is also woken
// by each agent's Done channel, so detection is usually immediate.
type ExecutionWatcher struct {
	interval time.Duration
	logger   core.Logger

	mu      sync.Mutex
	tracked map[string]*watchEntry
	order   []string
	seen    []*WorkerAgent
	running bool
	stop    chan struct{}
	stopped chan struct{}
	idle    chan struct{}

	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewExecutionWatcher creates a watcher. interval <= 0 uses DefaultWatchInterval.
func NewExecutionWatcher(interval time.Duration, logger core.Logger) *ExecutionWatcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &ExecutionWatcher{
		interval: interval,
		logger:   core.ComponentLogger(logger, "agentloop/orchestration"),
		tracked:  make(map[string]*watchEntry),
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// Watch starts tracking agent. callback may be nil.
func (w *ExecutionWatcher) Watch(agent *WorkerAgent, callback CompletionCallback) {
	w.mu.Lock()
	if _, exists := w.tracked[agent.ID()]; exists {
		w.mu.Unlock()
		return
	}
	if len(w.tracked) == 0 {
		w.idle = make(chan struct{})
	}
	w.tracked[agent.ID()] = &watchEntry{agent: agent, callback: callback}
	w.order = append(w.order, agent.ID())
	w.seen = append(w.seen, agent)
	w.mu.Unlock()

	go func() {
		select {
		case <-agent.Done():
			w.signal()
		case <-w.closed:
		}
	}()
}

func (w *ExecutionWatcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// StartMonitoring starts the monitor loop if agents are tracked and it is
// not already running. The loop stops by itself once nothing is tracked.
func (w *ExecutionWatcher) StartMonitoring() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.startLocked()
}

func (w *ExecutionWatcher) startLocked() {
	if w.running || len(w.tracked) == 0 {
		return
	}
	select {
	case <-w.closed:
		return
	default:
	}
	w.running = true
	w.stop = make(chan struct{})
	w.stopped = make(chan struct{})
	go w.monitor(w.stop, w.stopped)
}

func (w *ExecutionWatcher) monitor(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.check() {
			return
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// check fires callbacks for finished agents. It reports true when nothing is
// left to track, in which case monitoring has been marked stopped.
func (w *ExecutionWatcher) check() bool {
	w.mu.Lock()
	var finished []*watchEntry
	remaining := w.order[:0]
	for _, id := range w.order {
		entry, ok := w.tracked[id]
		if !ok {
			continue
		}
		if entry.agent.Status().IsTerminal() {
			finished = append(finished, entry)
			delete(w.tracked, id)
			continue
		}
		remaining = append(remaining, id)
	}
	w.order = remaining
	w.mu.Unlock()

	for _, entry := range finished {
		result, _ := entry.agent.Result()
		w.invoke(entry, result)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.tracked) > 0 {
		return false
	}
	w.running = false
	if w.idle != nil {
		close(w.idle)
		w.idle = nil
	}
	return true
}

func (w *ExecutionWatcher) invoke(entry *watchEntry, result *WorkerAgentResult) {
	if entry.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Completion callback panicked", map[string]interface{}{
				"operation": "watch_callback",
				"agent_id":  entry.agent.ID(),
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
		}
	}()
	if err := entry.callback(result); err != nil {
		w.logger.Warn("Completion callback failed", map[string]interface{}{
			"operation": "watch_callback",
			"agent_id":  entry.agent.ID(),
			"tool":      result.ToolName,
			"error":     err.Error(),
		})
	}
}

// WaitForAll blocks until every tracked agent has finished and returns their
// results in completion order. It returns immediately with an empty slice
// when nothing is tracked.
func (w *ExecutionWatcher) WaitForAll(ctx context.Context) ([]*WorkerAgentResult, error) {
	var (
		resultsMu sync.Mutex
		results   = []*WorkerAgentResult{}
	)

	w.mu.Lock()
	if len(w.tracked) == 0 {
		w.mu.Unlock()
		return results, nil
	}
	for _, entry := range w.tracked {
		inner := entry.callback
		entry.callback = func(r *WorkerAgentResult) error {
			resultsMu.Lock()
			results = append(results, r)
			resultsMu.Unlock()
			if inner != nil {
				return inner(r)
			}
			return nil
		}
	}
	idle := w.idle
	w.startLocked()
	w.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return w.collected(&resultsMu, results), ctx.Err()
	}
	return w.collected(&resultsMu, results), nil
}

func (w *ExecutionWatcher) collected(mu *sync.Mutex, results []*WorkerAgentResult) []*WorkerAgentResult {
	mu.Lock()
	defer mu.Unlock()
	return append([]*WorkerAgentResult(nil), results...)
}

// Progress returns live status counts.
func (w *ExecutionWatcher) Progress() WatchProgress {
	w.mu.Lock()
	agents := append([]*WorkerAgent(nil), w.seen...)
	w.mu.Unlock()

	p := WatchProgress{Total: len(agents)}
	for _, a := range agents {
		switch a.Status() {
		case StatusPending:
			p.Pending++
		case StatusRunning:
			p.Running++
		case StatusSuccess:
			p.Success++
		case StatusFailed:
			p.Failed++
		case StatusTimeout:
			p.Timeout++
		}
	}
	return p
}

// IsMonitoring reports whether the monitor loop is running.
func (w *ExecutionWatcher) IsMonitoring() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stop halts the monitor loop and waits for it to exit. Tracked agents are
// kept; StartMonitoring resumes.
func (w *ExecutionWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stop, stopped := w.stop, w.stopped
	w.running = false
	w.mu.Unlock()

	close(stop)
	<-stopped
}

// Clear forgets every tracked agent without firing callbacks. Pending
// WaitForAll calls return.
func (w *ExecutionWatcher) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked = make(map[string]*watchEntry)
	w.order = nil
	w.seen = nil
	if w.idle != nil {
		close(w.idle)
		w.idle = nil
	}
}

// Close stops monitoring, clears tracked agents and releases the per-agent
// wake goroutines. The watcher cannot be reused afterwards.
func (w *ExecutionWatcher) Close() {
	w.Stop()
	w.Clear()
	w.once.Do(func() { close(w.closed) })
}
