package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/mediaflow/internal/bus"
	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/internal/streaming"
)

// Sender accepts event batches.
type Sender interface {
	SendBatch(ctx context.Context, events []bus.EventInput) (bus.Receipt, error)
}

// Engine is the read surface the tools query.
type Engine interface {
	Invocation(ctx context.Context, id string) (*store.Invocation, error)
	ListInvocations(ctx context.Context, filter store.InvocationFilter) ([]*store.Invocation, error)
	Steps(ctx context.Context, id string) ([]*store.StepRecord, error)
	Log(ctx context.Context, id string, since int64) ([]*store.LogEntry, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Sender Sender
	Engine Engine
	Store  store.Store
	Hub    streaming.Hub
	Logger *slog.Logger

	// Notifier overrides MCP push delivery for mediaflow.watch.
	Notifier Notifier
}

// Server wraps an MCP server with mediaflow tool handlers.
type Server struct {
	sender    Sender
	engine    Engine
	store     store.Store
	hub       streaming.Hub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		sender:   deps.Sender,
		engine:   deps.Engine,
		store:    deps.Store,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"mediaflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Mediaflow turns discovered podcast episodes and videos into social posts. Use mediaflow.send to emit events, mediaflow.status to inspect an invocation or event, mediaflow.query to list invocations/events/triggers, and mediaflow.watch to receive lifecycle notifications for an invocation."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	defer s.sessions.Close()
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE serves the SSE transport on addr until ctx is cancelled.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	defer s.sessions.Close()
	sse := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("mcp sse listening", "addr", addr)
		errCh <- sse.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sse.Shutdown(shutdownCtx)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: sendTool(), Handler: s.handleSend},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: watchTool(), Handler: s.handleWatch},
	}
}

// --- Tool definitions ---

func sendTool() mcp.Tool {
	return mcp.NewTool("mediaflow.send",
		mcp.WithDescription("Send one or more events to the event bus"),
		mcp.WithString("name", mcp.Description("Namespaced event name, e.g. media/video.discovered")),
		mcp.WithObject("data", mcp.Description("Event payload object")),
		mcp.WithString("id", mcp.Description("Event ID; generated when omitted. Reusing an ID is a no-op")),
		mcp.WithArray("events", mcp.Description("Batch of {id, name, data} objects, accepted or rejected as a whole")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("mediaflow.status",
		mcp.WithDescription("Get the status of an invocation, or of every invocation of an event"),
		mcp.WithString("invocation_id", mcp.Description("ID of the invocation to inspect")),
		mcp.WithString("event_id", mcp.Description("ID of the event whose invocations to list")),
		mcp.WithBoolean("include_log", mcp.Description("Include the invocation lifecycle log")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("mediaflow.query",
		mcp.WithDescription("Query invocations, events, or triggers"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("invocations", "events", "triggers"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, handler, event_id, name, undispatched, limit, offset)")),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("mediaflow.watch",
		mcp.WithDescription("Push lifecycle notifications of an invocation to this session until it finishes"),
		mcp.WithString("invocation_id", mcp.Required(), mcp.Description("ID of the invocation to watch")),
	)
}
