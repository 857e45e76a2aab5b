// Package mcp exposes the agent's control surface as Model Context Protocol tools:
// status, start, stop, and read access to the telemetry facts.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"chatkeeper/internal/agent"
	"chatkeeper/internal/config"
	"chatkeeper/internal/logging"
	"chatkeeper/internal/mangle"
	"chatkeeper/internal/rules"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Controller is the agent lifecycle the tools drive.
type Controller interface {
	Start() error
	Stop() error
	Running() bool
	Status() agent.Status
	Rules() rules.Table
}

// Server wires the MCP runtime to the agent controller and the fact engine.
type Server struct {
	cfg       config.Config
	ctrl      Controller
	engine    *mangle.Engine
	log       logging.Sink
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer builds the server and registers every tool and resource. engine may be nil
// when telemetry is disabled; the fact tools then report it as unavailable.
func NewServer(cfg config.Config, ctrl Controller, engine *mangle.Engine, log logging.Sink) (*Server, error) {
	if ctrl == nil {
		return nil, errors.New("mcp: nil controller")
	}
	if log == nil {
		log = logging.Nop{}
	}
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		ctrl:      ctrl,
		engine:    engine,
		log:       log,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}
	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Serve runs over SSE when port > 0, otherwise over stdio.
func (s *Server) Serve(ctx context.Context, port int) error {
	if port > 0 {
		return s.StartSSE(ctx, port)
	}
	return s.Start(ctx)
}

// Start serves over stdio until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE serves over HTTP+SSE on port and shuts down gracefully when ctx ends.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Log(fmt.Sprintf("control surface listening on :%d", port), logging.Info)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool runs a tool directly, bypassing the transport.
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(ctx, args)
}

func (s *Server) registerAllTools() {
	s.registerTool(&StatusTool{ctrl: s.ctrl})
	s.registerTool(&StartTool{ctrl: s.ctrl})
	s.registerTool(&StopTool{ctrl: s.ctrl})
	s.registerTool(&RulesTool{ctrl: s.ctrl})
	s.registerTool(&FactsTool{engine: s.engine})
	s.registerTool(&QueryTool{engine: s.engine})
	s.registerTool(&EvaluateTool{engine: s.engine})
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
			s.log.Log(fmt.Sprintf("tool %s failed: %v", tool.Name(), err), logging.Debug)
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(marshalToolPayload(tool.Name(), result)))},
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, err := json.Marshal(result)
	if err == nil {
		return payload
	}
	fallback, err := json.Marshal(map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, err),
	})
	if err == nil {
		return fallback
	}
	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
