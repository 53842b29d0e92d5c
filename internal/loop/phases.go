package loop

import "scriptnerd/internal/store"

// Conversation phases shown in the UI. Computed in one place so every
// surface (HTTP, WebSocket, MCP) agrees on what the loop is doing.
const (
	PhaseAwaitingPrompt  = "awaiting_prompt"
	PhaseIdle            = "idle"
	PhaseThinking        = "thinking"
	PhasePendingApproval = "pending_approval"
)

// PhaseOf derives the phase of a conversation. inFlight reports whether an
// Advance is currently running for it.
func PhaseOf(conv *store.Conversation, inFlight bool) string {
	if inFlight {
		return PhaseThinking
	}
	if conv == nil || conv.InitialPrompt == "" {
		return PhaseAwaitingPrompt
	}
	if conv.PendingApproval != nil {
		return PhasePendingApproval
	}
	return PhaseIdle
}
