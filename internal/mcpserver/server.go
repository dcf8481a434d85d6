// Package mcpserver exposes the latest vehicle snapshot and poller status
// as MCP (Model Context Protocol) tools over the Streamable HTTP transport.
// The server binds to loopback unless configured otherwise.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/inercia/myfisker/internal/logging"
	"github.com/inercia/myfisker/internal/poller"
	"github.com/inercia/myfisker/internal/publish"
)

const (
	// DefaultHost is the interface the server listens on.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the default port for the MCP server.
	DefaultPort = 5760
	// ServerName is the MCP implementation name.
	ServerName = "myfisker"
	// ServerVersion is the MCP implementation version.
	ServerVersion = "1.0.0"

	shutdownTimeout = 5 * time.Second
)

// ErrNoSnapshot is returned by get_vehicle_snapshot before the first
// successful poll cycle.
var ErrNoSnapshot = errors.New("no vehicle snapshot yet")

// Source provides the data served by the tools. *poller.Poller implements it.
type Source interface {
	Latest() (publish.Snapshot, bool)
	Status() poller.Status
	TriggerNow() error
}

// Config holds the listen address of the server.
type Config struct {
	Host string
	// Port to listen on. -1 selects DefaultPort, 0 a random free port.
	Port int
}

// Server is the MCP server.
type Server struct {
	mcpServer *mcp.Server
	source    Source
	logger    *slog.Logger

	mu       sync.RWMutex
	host     string
	port     int
	listener net.Listener
	httpSrv  *http.Server
	running  bool
}

// NewServer creates a server serving data from src.
func NewServer(cfg Config, src Source) (*Server, error) {
	if src == nil {
		return nil, errors.New("mcpserver: source is required")
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port < 0 {
		cfg.Port = DefaultPort
	}

	s := &Server{
		source: src,
		logger: logging.MCP(),
		host:   cfg.Host,
		port:   cfg.Port,
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: ServerVersion,
	}, nil)
	s.registerTools()
	return s, nil
}

// Handler returns the Streamable HTTP handler, for mounting on another mux.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server already running")
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.running = true

	handler := s.Handler()
	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.Handle("/", handler)
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.logger.Info("MCP server started", "address", listener.Addr().String())

	srv := s.httpSrv
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("MCP server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down. It is safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("Error shutting down MCP HTTP server", "error", err)
		return err
	}
	s.logger.Info("MCP server stopped")
	return nil
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// IsRunning returns true between Start and Stop.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_vehicle_snapshot",
		Description: "Get the latest flattened digital-twin snapshot of the vehicle. Values hidden by display rules are listed as unavailable.",
	}, s.snapshotHandler)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_vehicle_status",
		Description: "Get the poller status: last attempt, last success, last error and cycle counters",
	}, s.statusHandler)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "refresh_vehicle",
		Description: "Request an immediate poll cycle. Requests closer together than the minimum trigger interval are rejected.",
	}, s.refreshHandler)
}

func (s *Server) snapshotHandler(ctx context.Context, req *mcp.CallToolRequest, input SnapshotInput) (*mcp.CallToolResult, SnapshotOutput, error) {
	snap, ok := s.source.Latest()
	if !ok {
		return nil, SnapshotOutput{}, ErrNoSnapshot
	}
	return nil, snapshotOutput(snap, input), nil
}

func (s *Server) statusHandler(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, StatusOutput, error) {
	return nil, statusOutput(s.source.Status()), nil
}

func (s *Server) refreshHandler(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, RefreshOutput, error) {
	if err := s.source.TriggerNow(); err != nil {
		return nil, RefreshOutput{}, err
	}
	return nil, RefreshOutput{Requested: true}, nil
}
