// Package mcp exposes a small tool surface over the Model Context Protocol
// so editor agents can drive the same gateway, capturer and loop the UI uses.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"scriptnerd/internal/browser"
	"scriptnerd/internal/capture"
	"scriptnerd/internal/config"
	"scriptnerd/internal/log"
	"scriptnerd/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Gateway is the browser slice the tools need.
type Gateway interface {
	ResolveTarget(ctx context.Context, wantURL string) (browser.Target, error)
	Execute(ctx context.Context, req browser.ExecRequest) browser.ExecResult
}

// Capturer produces page observations.
type Capturer interface {
	Capture(ctx context.Context, targetID string, includeScreenshot bool) capture.Observation
}

// TaskSource is the persistence slice the tools need.
type TaskSource interface {
	ListTasks(ctx context.Context) ([]store.Task, error)
	GetTask(ctx context.Context, id string) (store.Task, error)
}

// Loop is the orchestrator slice the tools drive.
type Loop interface {
	Submit(conversationID, userMessage string, grabbed []store.GrabbedElement, cachedObs *capture.Observation, source string) error
	Approve(ctx context.Context, conversationID string) error
	Reject(ctx context.Context, conversationID, feedback string, startOver bool, grabbed []store.GrabbedElement) error
}

// Deps are the collaborators behind the tool surface.
type Deps struct {
	Gateway  Gateway
	Capturer Capturer
	Tasks    TaskSource
	Loop     Loop
	Logger   log.Logger
}

// Server wires the MCP runtime and the tool set.
type Server struct {
	cfg       config.Config
	deps      Deps
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
	logger    log.Logger
}

// NewServer constructs the MCP server and registers all tools.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Gateway == nil || deps.Capturer == nil || deps.Tasks == nil || deps.Loop == nil {
		return nil, fmt.Errorf("mcp: gateway, capturer, tasks and loop are required")
	}
	if deps.Logger == nil {
		deps.Logger = log.Noop
	}

	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		deps:      deps,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
		logger:    deps.Logger.WithValues(log.Kv{"svc": "mcp.Server"}),
	}

	server.registerAllTools()
	return server, nil
}

// Start launches the stdio server and blocks until ctx is done or the
// stream closes.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Infof("SSE server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by tests).
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(ctx, args)
}

func (s *Server) registerAllTools() {
	s.registerTool(&ExecuteJSTool{gateway: s.deps.Gateway})
	s.registerTool(&CapturePageTool{gateway: s.deps.Gateway, capturer: s.deps.Capturer})
	s.registerTool(&ListTasksTool{tasks: s.deps.Tasks})
	s.registerTool(&SendTaskMessageTool{tasks: s.deps.Tasks, loop: s.deps.Loop})
	s.registerTool(&ApproveScriptTool{tasks: s.deps.Tasks, loop: s.deps.Loop})
	s.registerTool(&RejectScriptTool{tasks: s.deps.Tasks, loop: s.deps.Loop})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
