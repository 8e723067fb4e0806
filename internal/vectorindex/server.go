package vectorindex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/knowgraph/knowgraph/internal/rpc"
)

// queryRequest/queryResponse are the vector server's own small wire
// protocol (spec.md §4.E), deliberately separate from internal/rpc's tool
// protocol since the vector server is an internal collaborator of the
// ranker, not a client-facing surface.
type queryRequest struct {
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
}

type queryResponse struct {
	Hits  []Hit  `json:"hits"`
	Error string `json:"error,omitempty"`
}

// Server exposes an Index over a Unix socket, one JSON request per
// connection, reusing internal/rpc's EnsureSocketDir/CleanupSocketDir
// helpers for path handling.
type Server struct {
	index *Index
}

// NewServer wraps index for serving.
func NewServer(index *Index) *Server {
	return &Server{index: index}
}

// Start listens on socketPath until ctx is canceled.
func (s *Server) Start(ctx context.Context, socketPath string) error {
	if err := rpc.EnsureSocketDir(socketPath); err != nil {
		return fmt.Errorf("preparing socket dir: %w", err)
	}
	_ = rpc.CleanupSocketDir(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	defer rpc.CleanupSocketDir(socketPath)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accepting connection: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	var req queryRequest
	resp := queryResponse{}
	if err := json.Unmarshal(line, &req); err != nil {
		resp.Error = fmt.Sprintf("malformed request: %v", err)
	} else {
		resp.Hits = s.index.Query(req.Vector, req.K)
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	w := bufio.NewWriter(conn)
	_, _ = w.Write(raw)
	_ = w.WriteByte('\n')
	_ = w.Flush()
}

// Client queries a running Server.
type Client struct {
	socketPath string
}

// NewClient builds a Client for the vector server listening at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Query dials the server, asks for the k nearest neighbors of vector, and
// returns the hits.
func (c *Client) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing vector server: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	raw, err := json.Marshal(queryRequest{Vector: vector, K: k})
	if err != nil {
		return nil, fmt.Errorf("marshaling query: %w", err)
	}
	w := bufio.NewWriter(conn)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("writing query: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flushing query: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var resp queryResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("vector server: %s", resp.Error)
	}
	return resp.Hits, nil
}
