// Package loop is the tool-calling orchestrator: it drives the
// conversation between the user, the model and the live page. One advance
// at a time per conversation, cancellable at the model call, every state
// mutation persisted and broadcast before the next step proceeds.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"scriptnerd/internal/browser"
	"scriptnerd/internal/capture"
	"scriptnerd/internal/config"
	"scriptnerd/internal/llm"
	"scriptnerd/internal/log"
	"scriptnerd/internal/store"
)

// Gateway is the slice of the browser gateway the loop drives.
type Gateway interface {
	ResolveTarget(ctx context.Context, wantURL string) (browser.Target, error)
	Execute(ctx context.Context, req browser.ExecRequest) browser.ExecResult
}

// Capturer produces page observations.
type Capturer interface {
	Capture(ctx context.Context, targetID string, includeScreenshot bool) capture.Observation
}

// ModelClient talks to the model provider.
type ModelClient interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error)
	GenerateTitle(ctx context.Context, prompt string) (string, error)
}

// Registry invalidates cached run state when a task's script changes.
type Registry interface {
	Invalidate(taskID string)
}

// Broadcaster fans state changes out to connected clients.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// Recorder traces loop runs for offline debugging.
type Recorder interface {
	Record(conversationID, event string, fields map[string]any)
}

// Event topics broadcast by the loop.
const (
	TopicTaskUpdated         = "task_updated"
	TopicConversationUpdated = "conversation_updated"
	TopicPendingApproval     = "pending_approval"
	TopicPhaseChanged        = "phase_changed"
	TopicCaptureError        = "capture_error"
)

// Config wires an Orchestrator.
type Config struct {
	Store     *store.Store
	Gateway   Gateway
	Capturer  Capturer
	Model     ModelClient
	Registry  Registry
	Broadcast Broadcaster
	Recorder  Recorder
	Loop      config.LoopConfig
	Logger    log.Logger
}

func (c *Config) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Gateway == nil {
		return fmt.Errorf("gateway is required")
	}
	if c.Capturer == nil {
		return fmt.Errorf("capturer is required")
	}
	if c.Model == nil {
		return fmt.Errorf("model client is required")
	}
	if c.Registry == nil {
		c.Registry = noopRegistry{}
	}
	if c.Broadcast == nil {
		c.Broadcast = noopBroadcaster{}
	}
	if c.Recorder == nil {
		c.Recorder = noopRecorder{}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "loop.Orchestrator"})
	return nil
}

type noopRegistry struct{}

func (noopRegistry) Invalidate(string) {}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(string, any) {}

type noopRecorder struct{}

func (noopRecorder) Record(string, string, map[string]any) {}

// Orchestrator drives conversations. All public methods are safe for
// concurrent use; mutations of one conversation are serialized.
type Orchestrator struct {
	store     *store.Store
	gateway   Gateway
	capturer  Capturer
	model     ModelClient
	registry  Registry
	broadcast Broadcaster
	recorder  Recorder
	logger    log.Logger

	sup    *supervisor
	cancel *canceller

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	seen     map[string]bool
	convMu   map[string]*sync.Mutex
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := &Orchestrator{
		store:     cfg.Store,
		gateway:   cfg.Gateway,
		capturer:  cfg.Capturer,
		model:     cfg.Model,
		registry:  cfg.Registry,
		broadcast: cfg.Broadcast,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		cancel:    newCanceller(cfg.Loop.ConfirmWindow()),
		inflight:  make(map[string]context.CancelFunc),
		seen:      make(map[string]bool),
		convMu:    make(map[string]*sync.Mutex),
	}
	o.sup = newSupervisor(cfg.Loop.QueueSize, cfg.Logger, o.runAdvance)
	return o, nil
}

// Submit queues one user message for a conversation. ErrBusy when the
// conversation's queue is full.
func (o *Orchestrator) Submit(conversationID, userMessage string, grabbed []store.GrabbedElement, cachedObs *capture.Observation, source string) error {
	if strings.TrimSpace(userMessage) == "" {
		return errors.New("message content is required")
	}
	return o.sup.Enqueue(advanceEvent{
		ConversationID: conversationID,
		UserMessage:    userMessage,
		Grabbed:        grabbed,
		CachedObs:      cachedObs,
		Source:         source,
	})
}

// Cancel registers one cancel signal. The first arms; a second within the
// confirm window hard-aborts the in-flight model call. Returns true when
// the abort fired.
func (o *Orchestrator) Cancel(conversationID string) bool {
	if !o.cancel.Signal(conversationID) {
		return false
	}
	o.mu.Lock()
	abort, ok := o.inflight[conversationID]
	o.mu.Unlock()
	if ok {
		abort()
		o.recorder.Record(conversationID, "cancel_confirmed", nil)
		return true
	}
	return false
}

// Phase reports the conversation's current phase.
func (o *Orchestrator) Phase(ctx context.Context, conversationID string) (string, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	_, inFlight := o.inflight[conversationID]
	o.mu.Unlock()
	return PhaseOf(&conv, inFlight), nil
}

// Forget releases per-conversation runtime state, used on task delete.
func (o *Orchestrator) Forget(conversationID string) {
	o.sup.Drop(conversationID)
	o.cancel.Reset(conversationID)
	o.mu.Lock()
	delete(o.seen, conversationID)
	delete(o.convMu, conversationID)
	o.mu.Unlock()
}

func (o *Orchestrator) lockConversation(conversationID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	mu, ok := o.convMu[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		o.convMu[conversationID] = mu
	}
	return mu
}

// runAdvance is the actor handler: one full pass of the loop.
func (o *Orchestrator) runAdvance(ctx context.Context, evt advanceEvent) {
	mu := o.lockConversation(evt.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	if err := o.advance(ctx, evt); err != nil {
		o.logger.Errorf("Advance failed for %s: %v", evt.ConversationID, err)
	}
}

func (o *Orchestrator) advance(ctx context.Context, evt advanceEvent) error {
	conv, err := o.store.GetConversation(ctx, evt.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	task, err := o.store.GetTaskByConversation(ctx, evt.ConversationID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	o.recorder.Record(conv.ID, "advance_start", map[string]any{"source": evt.Source, "message_len": len(evt.UserMessage)})
	o.emitPhase(conv.ID, PhaseThinking)

	// Step 1: first message starts the conversation.
	if conv.InitialPrompt == "" && len(conv.Messages) == 0 {
		conv.InitialPrompt = evt.UserMessage
	}

	// Step 2: fresh observation. A caller-supplied one only counts for the
	// first advance of this process's session.
	obs, target, err := o.observe(ctx, &conv, evt.CachedObs)
	if err != nil {
		o.broadcast.Broadcast(TopicCaptureError, map[string]any{
			"conversationId": conv.ID,
			"error":          err.Error(),
		})
		o.emitPhase(conv.ID, PhaseOf(&conv, false))
		return err
	}

	// Step 3: snapshot the task onto the outgoing user message.
	userMsg := store.Message{
		ID:        ulid.Make().String(),
		Role:      store.RoleUser,
		Content:   evt.UserMessage,
		Timestamp: time.Now().UnixMilli(),
		ScriptSnapshot: &store.ScriptSnapshot{
			Name:         task.Name,
			MatchPattern: task.MatchPattern,
			Script:       task.Script,
			Enabled:      task.Enabled,
		},
		GrabbedElements: evt.Grabbed,
	}

	// Step 4: append and persist before the model sees anything.
	conv.Messages = append(conv.Messages, userMsg)
	if err := o.saveConversation(ctx, &conv); err != nil {
		return err
	}

	// Step 5: build the request.
	req := llm.ChatRequest{
		Messages: o.buildModelMessages(&conv, &task, obs),
		Tools:    []llm.ToolSpec{llm.ExecuteJSToolSpec()},
	}

	// Step 6: cancellable model call.
	callCtx, abort := context.WithCancel(ctx)
	o.mu.Lock()
	o.inflight[conv.ID] = abort
	o.mu.Unlock()

	result, callErr := o.model.Chat(callCtx, req)
	// Read before abort() below poisons callCtx: non-nil only when the user
	// confirmed a cancel mid-call.
	ctxErr := callCtx.Err()

	o.mu.Lock()
	delete(o.inflight, conv.ID)
	o.mu.Unlock()
	abort()
	o.cancel.Reset(conv.ID)

	if callErr != nil {
		if errors.Is(callErr, context.Canceled) || ctxErr != nil {
			// Cancellation: the user message stays, nothing else is recorded.
			o.recorder.Record(conv.ID, "advance_cancelled", nil)
			o.emitPhase(conv.ID, PhaseOf(&conv, false))
			return nil
		}
		// Step 9: provider failure becomes an assistant message; stale
		// pending approval never outlives a new error turn.
		return o.recordProviderFailure(ctx, &conv, callErr)
	}

	if result.HasToolCalls() {
		return o.handleToolCall(ctx, &conv, &task, target, result)
	}
	return o.handlePlainReply(ctx, &conv, &task, result)
}

// observe resolves the target and captures the page, refreshing the
// conversation's initial observation fields.
func (o *Orchestrator) observe(ctx context.Context, conv *store.Conversation, cached *capture.Observation) (capture.Observation, browser.Target, error) {
	wantURL := conv.InitialURL
	target, err := o.gateway.ResolveTarget(ctx, wantURL)
	if err != nil {
		return capture.Observation{}, browser.Target{}, fmt.Errorf("no reachable target: %w", err)
	}

	o.mu.Lock()
	firstOfSession := !o.seen[conv.ID]
	o.seen[conv.ID] = true
	o.mu.Unlock()

	var obs capture.Observation
	if firstOfSession && cached != nil {
		obs = *cached
	} else {
		obs = o.capturer.Capture(ctx, target.ID, true)
	}
	if obs.Error != "" && obs.URL == "" {
		return capture.Observation{}, browser.Target{}, errors.New(obs.Error)
	}

	conv.InitialURL = obs.URL
	conv.InitialMarkup = obs.Markup
	conv.InitialConsoleLog = obs.ConsoleLog
	if obs.Screenshot != "" {
		conv.InitialScreenshot = obs.Screenshot
	}
	return obs, target, nil
}

// handleToolCall is step 7: execute, diff, stage the draft, raise approval.
func (o *Orchestrator) handleToolCall(ctx context.Context, conv *store.Conversation, task *store.Task, target browser.Target, result *llm.ChatResult) error {
	call := result.ToolCalls[0]
	script, err := decodeJSScript(call.Arguments)
	if err != nil {
		return o.recordProviderFailure(ctx, conv, fmt.Errorf("malformed tool arguments: %w", err))
	}

	prevScript := task.Script
	exec := o.gateway.Execute(ctx, browser.ExecRequest{
		TargetID: target.ID,
		JSScript: script,
	})
	o.recorder.Record(conv.ID, "tool_executed", map[string]any{
		"request_id": exec.RequestID,
		"error":      exec.Error,
		"script_len": len(script),
	})

	// Stage the draft: persisted but not enabled until approved.
	task.Script = script
	if err := o.saveTask(ctx, task); err != nil {
		return err
	}
	o.registry.Invalidate(task.ID)

	diff := DiffScripts(prevScript, script)
	summary := FormatDiffSummary(diff)

	output := summary
	isError := false
	if exec.Error != "" {
		output = summary + "\n" + exec.Error
		isError = true
	} else if exec.Result != "" {
		output = summary + "\n" + exec.Result
	}

	assistant := store.Message{
		ID:        ulid.Make().String(),
		Role:      store.RoleAssistant,
		Content:   result.Content,
		Timestamp: time.Now().UnixMilli(),
		ToolCalls: []store.ToolCall{{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: string(call.Arguments),
		}},
		ToolResults: []store.ToolResult{{
			CallID:  call.ID,
			Output:  output,
			IsError: isError,
		}},
	}
	conv.Messages = append(conv.Messages, assistant)
	// Persist the tool-result message before the approval prompt is
	// surfaced anywhere.
	conv.PendingApproval = &store.PendingApproval{Script: script, Summary: summary}
	if err := o.saveConversation(ctx, conv); err != nil {
		return err
	}

	o.broadcast.Broadcast(TopicPendingApproval, map[string]any{
		"conversationId": conv.ID,
		"taskId":         task.ID,
		"script":         script,
		"summary":        summary,
		"executionError": exec.Error,
	})
	o.emitPhase(conv.ID, PhasePendingApproval)
	return nil
}

// handlePlainReply is step 8: record the prose, fall back to a fenced code
// block when the model narrated a script instead of calling the tool.
func (o *Orchestrator) handlePlainReply(ctx context.Context, conv *store.Conversation, task *store.Task, result *llm.ChatResult) error {
	assistant := store.Message{
		ID:        ulid.Make().String(),
		Role:      store.RoleAssistant,
		Content:   result.Content,
		Timestamp: time.Now().UnixMilli(),
	}
	conv.Messages = append(conv.Messages, assistant)
	if err := o.saveConversation(ctx, conv); err != nil {
		return err
	}

	if block := ExtractScriptBlock(result.Content); block != "" {
		task.Script = block
		task.Enabled = true
		if err := o.saveTask(ctx, task); err != nil {
			return err
		}
		o.registry.Invalidate(task.ID)
		o.recorder.Record(conv.ID, "codeblock_adopted", map[string]any{"script_len": len(block)})
	}

	o.emitPhase(conv.ID, PhaseOf(conv, false))
	return nil
}

// recordProviderFailure is step 9.
func (o *Orchestrator) recordProviderFailure(ctx context.Context, conv *store.Conversation, callErr error) error {
	assistant := store.Message{
		ID:        ulid.Make().String(),
		Role:      store.RoleAssistant,
		Content:   callErr.Error(),
		Timestamp: time.Now().UnixMilli(),
	}
	conv.Messages = append(conv.Messages, assistant)
	conv.PendingApproval = nil
	if err := o.saveConversation(ctx, conv); err != nil {
		return err
	}
	o.recorder.Record(conv.ID, "provider_failure", map[string]any{"error": callErr.Error()})
	o.emitPhase(conv.ID, PhaseIdle)
	return nil
}

func (o *Orchestrator) saveConversation(ctx context.Context, conv *store.Conversation) error {
	if err := o.store.UpdateConversation(ctx, *conv); err != nil {
		if errors.Is(err, store.ErrStorageFull) {
			o.broadcast.Broadcast(TopicCaptureError, map[string]any{
				"conversationId": conv.ID,
				"error":          err.Error(),
			})
		}
		return fmt.Errorf("persist conversation: %w", err)
	}
	o.broadcast.Broadcast(TopicConversationUpdated, map[string]any{"conversationId": conv.ID})
	return nil
}

func (o *Orchestrator) saveTask(ctx context.Context, task *store.Task) error {
	if err := o.store.UpdateTask(ctx, *task); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	o.broadcast.Broadcast(TopicTaskUpdated, map[string]any{"taskId": task.ID})
	return nil
}

func (o *Orchestrator) emitPhase(conversationID, phase string) {
	o.broadcast.Broadcast(TopicPhaseChanged, map[string]any{
		"conversationId": conversationID,
		"phase":          phase,
	})
}

func decodeJSScript(arguments json.RawMessage) (string, error) {
	var args struct {
		JSScript string `json:"jsScript"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.JSScript) == "" {
		return "", errors.New("jsScript is empty")
	}
	return args.JSScript, nil
}
