package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Service is implemented by internal/rank's query engine plus the record
// store, and is what Server dispatches operations to.
type Service interface {
	Context(ctx context.Context, query, sessionID string) (ContextResult, error)
	Search(ctx context.Context, query string, limit int) ([]SearchHit, error)
	Show(ctx context.Context, slug string) (string, error)
	AddBullet(ctx context.Context, slug, text, kind string) (string, error)
	MarkReviewed(ctx context.Context, slug string) error
}

// Logger is the minimal logging surface Server needs.
type Logger interface {
	Logf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...interface{}) {}

// Server listens on a Unix domain socket and dispatches one newline-
// delimited JSON Request per connection to a Service (spec.md §6 "Tool
// protocol surface" plus daemon status). Modeled on the teacher's
// maxConns/connSemaphore shape in server_core.go, reduced to this spec's
// five operations plus ping/status.
type Server struct {
	socketPath string
	service    Service
	logger     Logger
	startTime  time.Time
	statusFn   func() StatusResult

	maxConns      int
	connSemaphore chan struct{}

	mu       sync.Mutex
	listener net.Listener
	shutdown bool
	doneChan chan struct{}
}

// NewServer builds a Server. statusFn may be nil, in which case OpStatus
// reports a zero-valued StatusResult.
func NewServer(socketPath string, service Service, statusFn func() StatusResult, logger Logger) *Server {
	if logger == nil {
		logger = nopLogger{}
	}
	if statusFn == nil {
		statusFn = func() StatusResult { return StatusResult{} }
	}
	maxConns := 32
	return &Server{
		socketPath:    socketPath,
		service:       service,
		logger:        logger,
		startTime:     time.Now(),
		statusFn:      statusFn,
		maxConns:      maxConns,
		connSemaphore: make(chan struct{}, maxConns),
		doneChan:      make(chan struct{}),
	}
}

// Start binds the socket and serves connections until ctx is canceled or
// Stop is called. It blocks until shutdown completes.
func (s *Server) Start(ctx context.Context) error {
	if err := EnsureSocketDir(s.socketPath); err != nil {
		return fmt.Errorf("preparing socket dir: %w", err)
	}
	_ = CleanupSocketDir(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	defer close(s.doneChan)
	defer CleanupSocketDir(s.socketPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			shuttingDown := s.shutdown
			s.mu.Unlock()
			if shuttingDown {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		select {
		case s.connSemaphore <- struct{}{}:
			go s.handleConn(conn)
		default:
			s.logger.Logf("rpc: max connections reached, rejecting client")
			_ = conn.Close()
		}
	}
}

// Stop closes the listener, causing Start to return.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.shutdown = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { <-s.connSemaphore }()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		writeResponse(conn, Response{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}

	resp := s.dispatch(context.Background(), req)
	writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Operation {
	case OpPing:
		return ok(nil)
	case OpStatus:
		return ok(s.statusFn())
	case OpContext:
		var args ContextArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fail(err)
		}
		result, err := s.service.Context(ctx, args.Query, args.SessionID)
		if err != nil {
			return fail(err)
		}
		return ok(result)
	case OpSearch:
		var args SearchArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fail(err)
		}
		hits, err := s.service.Search(ctx, args.Query, args.Limit)
		if err != nil {
			return fail(err)
		}
		return ok(SearchResult{Hits: hits})
	case OpShow:
		var args ShowArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fail(err)
		}
		text, err := s.service.Show(ctx, args.Slug)
		if err != nil {
			return fail(err)
		}
		return ok(ShowResult{Text: text})
	case OpAddBullet:
		var args AddBulletArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fail(err)
		}
		id, err := s.service.AddBullet(ctx, args.Slug, args.Text, args.Kind)
		if err != nil {
			return fail(err)
		}
		return ok(AddBulletResult{ID: id})
	case OpMarkReviewed:
		var args MarkReviewedArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fail(err)
		}
		if err := s.service.MarkReviewed(ctx, args.Slug); err != nil {
			return fail(err)
		}
		return ok(nil)
	default:
		return Response{Error: fmt.Sprintf("unknown operation: %s", req.Operation)}
	}
}

func ok(data interface{}) Response {
	if data == nil {
		return Response{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fail(err)
	}
	return Response{Success: true, Data: raw}
}

func fail(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

func writeResponse(conn net.Conn, resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	w := bufio.NewWriter(conn)
	_, _ = w.Write(raw)
	_ = w.WriteByte('\n')
	_ = w.Flush()
}
