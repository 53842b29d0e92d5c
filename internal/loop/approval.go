package loop

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"scriptnerd/internal/store"
)

// ErrNoPendingApproval is returned when an approval decision arrives for a
// conversation with no staged draft.
var ErrNoPendingApproval = errors.New("no pending approval on this conversation")

// Approve enables the staged draft: the task goes live, its name is
// finalized, a confirmation message is appended and the pending marker
// cleared.
func (o *Orchestrator) Approve(ctx context.Context, conversationID string) error {
	mu := o.lockConversation(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.PendingApproval == nil {
		return ErrNoPendingApproval
	}
	task, err := o.store.GetTaskByConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	task.Enabled = true
	task.Name = o.finalizeTaskName(ctx, &conv, task.Name)
	if err := o.saveTask(ctx, &task); err != nil {
		return err
	}
	o.registry.Invalidate(task.ID)

	conv.Messages = append(conv.Messages, store.Message{
		ID:        ulid.Make().String(),
		Role:      store.RoleAssistant,
		Content:   fmt.Sprintf("Script approved and enabled as %q. It will run automatically on matching pages.", task.Name),
		Timestamp: time.Now().UnixMilli(),
	})
	conv.PendingApproval = nil
	if err := o.saveConversation(ctx, &conv); err != nil {
		return err
	}

	o.recorder.Record(conversationID, "approved", map[string]any{"task": task.ID, "name": task.Name})
	o.emitPhase(conversationID, PhaseIdle)
	return nil
}

// Reject discards the pending marker. With startOver it wipes the
// conversation and restarts from the initial prompt; otherwise optional
// feedback re-enters the loop as the next user message.
func (o *Orchestrator) Reject(ctx context.Context, conversationID, feedback string, startOver bool, grabbed []store.GrabbedElement) error {
	if startOver {
		return o.startOver(ctx, conversationID)
	}

	mu := o.lockConversation(conversationID)
	mu.Lock()
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		mu.Unlock()
		return err
	}
	if conv.PendingApproval == nil {
		mu.Unlock()
		return ErrNoPendingApproval
	}
	conv.PendingApproval = nil
	if err := o.saveConversation(ctx, &conv); err != nil {
		mu.Unlock()
		return err
	}
	mu.Unlock()

	o.recorder.Record(conversationID, "rejected", map[string]any{"feedback_len": len(feedback)})
	o.emitPhase(conversationID, PhaseIdle)

	if strings.TrimSpace(feedback) != "" {
		return o.Submit(conversationID, feedback, grabbed, nil, "reject_feedback")
	}
	return nil
}

// startOver is the full restart: blank conversation, cleared and disabled
// script, same task identity. An existing initial prompt is resubmitted
// with a freshly captured observation.
func (o *Orchestrator) startOver(ctx context.Context, conversationID string) error {
	mu := o.lockConversation(conversationID)
	mu.Lock()

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		mu.Unlock()
		return err
	}
	task, err := o.store.GetTaskByConversation(ctx, conversationID)
	if err != nil {
		mu.Unlock()
		return err
	}

	prompt := conv.InitialPrompt
	conv.Messages = nil
	conv.InitialPrompt = ""
	conv.PendingApproval = nil
	if err := o.saveConversation(ctx, &conv); err != nil {
		mu.Unlock()
		return err
	}

	task.Script = ""
	task.Enabled = false
	if err := o.saveTask(ctx, &task); err != nil {
		mu.Unlock()
		return err
	}
	o.registry.Invalidate(task.ID)

	// Cached first-of-session state no longer applies to a blank slate.
	o.mu.Lock()
	delete(o.seen, conversationID)
	o.mu.Unlock()
	mu.Unlock()

	o.recorder.Record(conversationID, "start_over", map[string]any{"resubmit": prompt != ""})
	o.emitPhase(conversationID, PhaseAwaitingPrompt)

	if prompt != "" {
		return o.Submit(conversationID, prompt, nil, nil, "start_over")
	}
	return nil
}

// EditMessage truncates history to just before the edited user message and
// resends the replacement content. Messages after the edit point are
// discarded permanently.
func (o *Orchestrator) EditMessage(ctx context.Context, conversationID, messageID, newContent string) error {
	if strings.TrimSpace(newContent) == "" {
		return errors.New("replacement content is required")
	}

	mu := o.lockConversation(conversationID)
	mu.Lock()

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		mu.Unlock()
		return err
	}
	idx, msg := findMessage(conv.Messages, messageID)
	if idx < 0 {
		mu.Unlock()
		return fmt.Errorf("message not found: %s", messageID)
	}
	if msg.Role != store.RoleUser {
		mu.Unlock()
		return errors.New("only user messages can be edited")
	}

	conv.Messages = conv.Messages[:idx]
	conv.PendingApproval = nil
	if len(conv.Messages) == 0 {
		conv.InitialPrompt = ""
	}
	if err := o.saveConversation(ctx, &conv); err != nil {
		mu.Unlock()
		return err
	}
	mu.Unlock()

	o.recorder.Record(conversationID, "edit_resend", map[string]any{"truncated_to": idx})
	return o.Submit(conversationID, newContent, nil, nil, "edit")
}

// RevertToMessage rewinds to a past user message: history truncates to
// include it and the task is restored from that message's snapshot. No
// resend; the user is free to type next. Reverting twice to the same
// message is a no-op the second time.
func (o *Orchestrator) RevertToMessage(ctx context.Context, conversationID, messageID string) error {
	mu := o.lockConversation(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	idx, msg := findMessage(conv.Messages, messageID)
	if idx < 0 {
		return fmt.Errorf("message not found: %s", messageID)
	}
	if msg.Role != store.RoleUser || msg.ScriptSnapshot == nil {
		return errors.New("revert requires a user message with a script snapshot")
	}
	task, err := o.store.GetTaskByConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	conv.Messages = conv.Messages[:idx+1]
	conv.PendingApproval = nil
	if err := o.saveConversation(ctx, &conv); err != nil {
		return err
	}

	snap := msg.ScriptSnapshot
	task.Name = snap.Name
	task.MatchPattern = snap.MatchPattern
	task.Script = snap.Script
	task.Enabled = snap.Enabled
	if err := o.saveTask(ctx, &task); err != nil {
		return err
	}
	o.registry.Invalidate(task.ID)

	o.recorder.Record(conversationID, "reverted", map[string]any{"to": messageID})
	o.emitPhase(conversationID, PhaseOf(&conv, false))
	return nil
}

// finalizeTaskName picks the approved task's display name: a generated
// title when the provider cooperates, else the trimmed initial prompt,
// else the domain.
func (o *Orchestrator) finalizeTaskName(ctx context.Context, conv *store.Conversation, current string) string {
	if conv.InitialPrompt != "" {
		titleCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if title, err := o.model.GenerateTitle(titleCtx, conv.InitialPrompt); err == nil && strings.TrimSpace(title) != "" {
			return strings.TrimSpace(title)
		} else if err != nil {
			o.logger.Warningf("Title generation failed, falling back: %v", err)
		}
		prompt := strings.TrimSpace(conv.InitialPrompt)
		if len(prompt) > 60 {
			prompt = prompt[:60]
		}
		return prompt
	}
	if conv.Domain != "" {
		return conv.Domain
	}
	return current
}

// DefaultMatchPattern derives a task's initial URL pattern from its source
// page: both schemes, the exact host escaped, any path.
func DefaultMatchPattern(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return regexp.QuoteMeta(rawURL) + ".*"
	}
	return `https?://` + regexp.QuoteMeta(u.Hostname()) + `.*`
}

func findMessage(messages []store.Message, messageID string) (int, *store.Message) {
	for i := range messages {
		if messages[i].ID == messageID {
			return i, &messages[i]
		}
	}
	return -1, nil
}
