package store

import (
	"encoding/json"
	"fmt"
)

// Task is one userscript automation unit. Each Task owns exactly one
// Conversation (created and deleted together).
type Task struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	MatchPattern   string `json:"match_pattern"`
	Script         string `json:"script"`
	ConversationID string `json:"conversation_id"`
	Enabled        bool   `json:"enabled"`
	SourceURL      string `json:"source_url,omitempty"`
	SourceType     string `json:"source_type,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Conversation is the durable negotiation transcript for one Task.
type Conversation struct {
	ID            string `json:"id"`
	Domain        string `json:"domain"`
	InitialPrompt string `json:"initial_prompt"`

	// Initial observation, captured at creation. URL, markup and console log
	// are refreshed with current page state before every model call so the
	// model never reasons about stale DOM.
	InitialURL        string `json:"initial_url"`
	InitialScreenshot string `json:"initial_screenshot,omitempty"`
	InitialMarkup     string `json:"initial_markup,omitempty"`
	InitialConsoleLog string `json:"initial_console_log,omitempty"`

	Messages        []Message        `json:"messages"`
	PendingApproval *PendingApproval `json:"pending_approval,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Message is one turn. Role is "user" or "assistant"; system messages are
// synthesized per model call and never stored.
type Message struct {
	ID              string           `json:"id"`
	Role            string           `json:"role"`
	Content         string           `json:"content"`
	Timestamp       int64            `json:"timestamp"`
	ToolCalls       []ToolCall       `json:"tool_calls,omitempty"`
	ToolResults     []ToolResult     `json:"tool_results,omitempty"`
	ScriptSnapshot  *ScriptSnapshot  `json:"script_snapshot,omitempty"`
	GrabbedElements []GrabbedElement `json:"grabbed_elements,omitempty"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// clone returns a copy sharing no mutable state with the receiver, so
// cached conversations stay isolated from caller truncate/append edits.
func (c Conversation) clone() Conversation {
	out := c
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			out.Messages[i] = m.clone()
		}
	}
	if c.PendingApproval != nil {
		pa := *c.PendingApproval
		out.PendingApproval = &pa
	}
	return out
}

func (m Message) clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.ToolResults != nil {
		out.ToolResults = append([]ToolResult(nil), m.ToolResults...)
	}
	if m.GrabbedElements != nil {
		out.GrabbedElements = append([]GrabbedElement(nil), m.GrabbedElements...)
	}
	if m.ScriptSnapshot != nil {
		snap := *m.ScriptSnapshot
		out.ScriptSnapshot = &snap
	}
	return out
}

// ToolCall is a function call the model made on an assistant turn.
// Arguments is the raw JSON argument string as returned by the provider,
// kept verbatim so history replays byte-identically.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult carries the outcome of one tool call back into the transcript.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// ScriptSnapshot is the exact task state immediately before a user message
// was sent. It is the sole mechanism enabling "revert to this point".
type ScriptSnapshot struct {
	Name         string `json:"name"`
	MatchPattern string `json:"match_pattern"`
	Script       string `json:"script"`
	Enabled      bool   `json:"enabled"`
}

// GrabbedElement is a user-supplied page-element excerpt attached as extra
// context on a user message.
type GrabbedElement struct {
	Markup     string `json:"markup"`
	Screenshot string `json:"screenshot,omitempty"`
}

// PendingApproval marks a draft awaiting a human decision. Present iff the
// last tool execution has not been approved or rejected yet.
type PendingApproval struct {
	Script  string `json:"script"`
	Summary string `json:"summary"`
}

// taskRow is the persisted shape of a Task.
type taskRow struct {
	ID             string `gorm:"column:id;primaryKey"`
	Name           string `gorm:"column:name;not null;default:''"`
	MatchPattern   string `gorm:"column:match_pattern;not null;default:''"`
	Script         string `gorm:"column:script;not null;default:''"`
	ConversationID string `gorm:"column:conversation_id;not null;default:''"`
	Enabled        bool   `gorm:"column:enabled;not null;default:false"`
	SourceURL      string `gorm:"column:source_url;not null;default:''"`
	SourceType     string `gorm:"column:source_type;not null;default:''"`
	CreatedAt      int64  `gorm:"column:created_at;not null;default:0"`
	UpdatedAt      int64  `gorm:"column:updated_at;not null;default:0"`
}

func (taskRow) TableName() string { return "tasks" }

// conversationRow is the persisted shape of a Conversation. The message list
// is one JSON document so edit/revert truncation replaces it atomically.
type conversationRow struct {
	ID                string `gorm:"column:id;primaryKey"`
	Domain            string `gorm:"column:domain;not null;default:''"`
	InitialPrompt     string `gorm:"column:initial_prompt;not null;default:''"`
	InitialURL        string `gorm:"column:initial_url;not null;default:''"`
	InitialScreenshot string `gorm:"column:initial_screenshot;not null;default:''"`
	InitialMarkup     string `gorm:"column:initial_markup;not null;default:''"`
	InitialConsoleLog string `gorm:"column:initial_console_log;not null;default:''"`
	MessagesJSON      string `gorm:"column:messages;not null;default:'[]'"`
	PendingJSON       string `gorm:"column:pending_approval;not null;default:''"`
	CreatedAt         int64  `gorm:"column:created_at;not null;default:0"`
	UpdatedAt         int64  `gorm:"column:updated_at;not null;default:0"`
}

func (conversationRow) TableName() string { return "conversations" }

func taskToRow(t Task) taskRow {
	return taskRow{
		ID:             t.ID,
		Name:           t.Name,
		MatchPattern:   t.MatchPattern,
		Script:         t.Script,
		ConversationID: t.ConversationID,
		Enabled:        t.Enabled,
		SourceURL:      t.SourceURL,
		SourceType:     t.SourceType,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func rowToTask(r taskRow) Task {
	return Task{
		ID:             r.ID,
		Name:           r.Name,
		MatchPattern:   r.MatchPattern,
		Script:         r.Script,
		ConversationID: r.ConversationID,
		Enabled:        r.Enabled,
		SourceURL:      r.SourceURL,
		SourceType:     r.SourceType,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func conversationToRow(c Conversation) (conversationRow, error) {
	messages := c.Messages
	if messages == nil {
		messages = []Message{}
	}
	msgJSON, err := json.Marshal(messages)
	if err != nil {
		return conversationRow{}, fmt.Errorf("encode messages: %w", err)
	}
	pendingJSON := ""
	if c.PendingApproval != nil {
		raw, err := json.Marshal(c.PendingApproval)
		if err != nil {
			return conversationRow{}, fmt.Errorf("encode pending approval: %w", err)
		}
		pendingJSON = string(raw)
	}
	return conversationRow{
		ID:                c.ID,
		Domain:            c.Domain,
		InitialPrompt:     c.InitialPrompt,
		InitialURL:        c.InitialURL,
		InitialScreenshot: c.InitialScreenshot,
		InitialMarkup:     c.InitialMarkup,
		InitialConsoleLog: c.InitialConsoleLog,
		MessagesJSON:      string(msgJSON),
		PendingJSON:       pendingJSON,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}, nil
}

func rowToConversation(r conversationRow) (Conversation, error) {
	c := Conversation{
		ID:                r.ID,
		Domain:            r.Domain,
		InitialPrompt:     r.InitialPrompt,
		InitialURL:        r.InitialURL,
		InitialScreenshot: r.InitialScreenshot,
		InitialMarkup:     r.InitialMarkup,
		InitialConsoleLog: r.InitialConsoleLog,
		Messages:          []Message{},
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.MessagesJSON != "" {
		if err := json.Unmarshal([]byte(r.MessagesJSON), &c.Messages); err != nil {
			return Conversation{}, fmt.Errorf("decode messages for conversation %s: %w", r.ID, err)
		}
	}
	if r.PendingJSON != "" {
		var pending PendingApproval
		if err := json.Unmarshal([]byte(r.PendingJSON), &pending); err != nil {
			return Conversation{}, fmt.Errorf("decode pending approval for conversation %s: %w", r.ID, err)
		}
		c.PendingApproval = &pending
	}
	return c, nil
}
