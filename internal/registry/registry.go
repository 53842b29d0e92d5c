// Package registry is the match-and-inject engine: on every page load it
// runs each enabled task whose pattern matches the loaded URL. Task runs
// are isolated; one bad pattern or thrown script never blocks the rest.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"scriptnerd/internal/browser"
	"scriptnerd/internal/log"
	"scriptnerd/internal/store"
)

// Run states reported per task.
const (
	StateSuccess = "success"
	StateFailure = "failure"
)

// TopicRunStatus is the broadcast topic for auto-run outcomes.
const TopicRunStatus = "run_status"

// RunStatus is the latest auto-run outcome of one task.
type RunStatus struct {
	TaskID string    `json:"taskId"`
	State  string    `json:"state"`
	Error  string    `json:"error,omitempty"`
	URL    string    `json:"url"`
	At     time.Time `json:"at"`
}

// Gateway is the slice of the browser gateway the registry drives.
type Gateway interface {
	Execute(ctx context.Context, req browser.ExecRequest) browser.ExecResult
	SubscribeLoads() (<-chan browser.LoadEvent, func())
}

// TaskSource lists the tasks eligible for auto-run.
type TaskSource interface {
	ListEnabledTasks(ctx context.Context) ([]store.Task, error)
}

// Broadcaster fans run outcomes out to connected clients.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// Config wires a Registry.
type Config struct {
	Gateway   Gateway
	Tasks     TaskSource
	Broadcast Broadcaster
	Logger    log.Logger
}

func (c *Config) defaults() error {
	if c.Gateway == nil {
		return fmt.Errorf("gateway is required")
	}
	if c.Tasks == nil {
		return fmt.Errorf("task source is required")
	}
	if c.Broadcast == nil {
		c.Broadcast = noopBroadcaster{}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "registry"})
	return nil
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(string, any) {}

// Registry matches enabled tasks against page loads and runs them.
type Registry struct {
	gateway   Gateway
	tasks     TaskSource
	broadcast Broadcaster
	logger    log.Logger

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
	statuses map[string]RunStatus
}

// New creates a Registry.
func New(cfg Config) (*Registry, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Registry{
		gateway:   cfg.Gateway,
		tasks:     cfg.Tasks,
		broadcast: cfg.Broadcast,
		logger:    cfg.Logger,
		patterns:  make(map[string]*regexp.Regexp),
		statuses:  make(map[string]RunStatus),
	}, nil
}

// Run consumes page-load events until the context is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	loads, unsubscribe := r.gateway.SubscribeLoads()
	defer unsubscribe()

	r.logger.Infof("Script registry listening for page loads")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-loads:
			if !ok {
				return nil
			}
			r.HandleLoad(ctx, ev)
		}
	}
}

// HandleLoad runs every enabled matching task against the loaded page.
// Each task's match-and-run is isolated from the others.
func (r *Registry) HandleLoad(ctx context.Context, ev browser.LoadEvent) {
	tasks, err := r.tasks.ListEnabledTasks(ctx)
	if err != nil {
		r.logger.Errorf("List enabled tasks failed: %v", err)
		return
	}

	for _, task := range tasks {
		if task.Script == "" {
			continue
		}
		re, err := r.pattern(task.ID, task.MatchPattern)
		if err != nil {
			r.record(RunStatus{
				TaskID: task.ID,
				State:  StateFailure,
				Error:  fmt.Sprintf("invalid match pattern: %v", err),
				URL:    ev.URL,
				At:     time.Now(),
			})
			continue
		}
		if !re.MatchString(ev.URL) {
			continue
		}
		r.runTask(ctx, task, ev)
	}
}

func (r *Registry) runTask(ctx context.Context, task store.Task, ev browser.LoadEvent) {
	result := r.gateway.Execute(ctx, browser.ExecRequest{
		TargetID: ev.TargetID,
		JSScript: task.Script,
	})

	status := RunStatus{
		TaskID: task.ID,
		State:  StateSuccess,
		URL:    ev.URL,
		At:     time.Now(),
	}
	if result.Error != "" {
		status.State = StateFailure
		status.Error = result.Error
		r.logger.Warningf("Auto-run of task %s failed on %s: %s", task.ID, ev.URL, result.Error)
	} else {
		r.logger.Debugf("Auto-run of task %s on %s", task.ID, ev.URL)
	}
	r.record(status)
}

// Invalidate drops a task's compiled pattern and last status, called when
// the task's script or pattern changes.
func (r *Registry) Invalidate(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.patterns, taskID)
	delete(r.statuses, taskID)
}

// Status returns the last known run outcome per task.
func (r *Registry) Status() []RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, s)
	}
	return out
}

// StatusOf returns one task's last run outcome.
func (r *Registry) StatusOf(taskID string) (RunStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[taskID]
	return s, ok
}

func (r *Registry) pattern(taskID, raw string) (*regexp.Regexp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if re, ok := r.patterns[taskID]; ok {
		return re, nil
	}
	re, err := regexp.Compile(raw)
	if err != nil {
		return nil, err
	}
	r.patterns[taskID] = re
	return re, nil
}

func (r *Registry) record(status RunStatus) {
	r.mu.Lock()
	r.statuses[status.TaskID] = status
	r.mu.Unlock()
	r.broadcast.Broadcast(TopicRunStatus, status)
}
