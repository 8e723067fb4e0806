package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client connects to one cmd/kgd daemon's control socket.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to the daemon listening at socketPath. Returns nil, nil
// (not an error) if nothing is listening, matching the teacher's
// TryConnect convention of treating "no daemon running" as a normal,
// checkable outcome rather than a hard failure.
func Dial(socketPath string, dialTimeout time.Duration) (*Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 200 * time.Millisecond
	}
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, nil
	}
	return &Client{conn: conn, timeout: 30 * time.Second}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SetTimeout overrides the default 30s request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Execute sends one request and waits for its response. Each Client is
// good for exactly one request-response round trip, since the server
// closes the connection after replying.
func (c *Client) Execute(operation string, args interface{}) (*Response, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshaling args: %w", err)
	}

	req := Request{Operation: operation, Args: argsJSON}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("setting deadline: %w", err)
		}
	}

	w := bufio.NewWriter(c.conn)
	if _, err := w.Write(reqJSON); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("writing newline: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flushing request: %w", err)
	}

	reader := bufio.NewReader(c.conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", err)
	}
	if !resp.Success {
		return &resp, fmt.Errorf("operation %s failed: %s", operation, resp.Error)
	}
	return &resp, nil
}

// Ping verifies the daemon is alive and responding.
func (c *Client) Ping() error {
	_, err := c.Execute(OpPing, nil)
	return err
}

// Status retrieves daemon status.
func (c *Client) Status() (*StatusResult, error) {
	resp, err := c.Execute(OpStatus, nil)
	if err != nil {
		return nil, err
	}
	var status StatusResult
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		return nil, fmt.Errorf("unmarshaling status: %w", err)
	}
	return &status, nil
}

// Context requests a formatted, token-budgeted context block for query.
func (c *Client) Context(query, sessionID string) (*ContextResult, error) {
	resp, err := c.Execute(OpContext, ContextArgs{Query: query, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	var result ContextResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshaling context result: %w", err)
	}
	return &result, nil
}

// Search requests ranked hits for query.
func (c *Client) Search(query string, limit int) ([]SearchHit, error) {
	resp, err := c.Execute(OpSearch, SearchArgs{Query: query, Limit: limit})
	if err != nil {
		return nil, err
	}
	var result SearchResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshaling search result: %w", err)
	}
	return result.Hits, nil
}

// Show requests a node's rendered bullets.
func (c *Client) Show(slug string) (string, error) {
	resp, err := c.Execute(OpShow, ShowArgs{Slug: slug})
	if err != nil {
		return "", err
	}
	var result ShowResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return "", fmt.Errorf("unmarshaling show result: %w", err)
	}
	return result.Text, nil
}

// AddBullet appends a bullet to slug and returns its new ID.
func (c *Client) AddBullet(slug, text, kind string) (string, error) {
	resp, err := c.Execute(OpAddBullet, AddBulletArgs{Slug: slug, Text: text, Kind: kind})
	if err != nil {
		return "", err
	}
	var result AddBulletResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return "", fmt.Errorf("unmarshaling add_bullet result: %w", err)
	}
	return result.ID, nil
}

// MarkReviewed resets slug's served-budget counter.
func (c *Client) MarkReviewed(slug string) error {
	_, err := c.Execute(OpMarkReviewed, MarkReviewedArgs{Slug: slug})
	return err
}
