package rpc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeService struct {
	bulletID string
}

func (f *fakeService) Context(ctx context.Context, query, sessionID string) (ContextResult, error) {
	return ContextResult{Text: "context for " + query}, nil
}

func (f *fakeService) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	return []SearchHit{{BulletID: "b-1", Slug: "s", Text: query, Score: 0.9}}, nil
}

func (f *fakeService) Show(ctx context.Context, slug string) (string, error) {
	return "bullets for " + slug, nil
}

func (f *fakeService) AddBullet(ctx context.Context, slug, text, kind string) (string, error) {
	return f.bulletID, nil
}

func (f *fakeService) MarkReviewed(ctx context.Context, slug string) error {
	return nil
}

func startTestServer(t *testing.T, service Service) (string, func()) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "kgd.sock")
	srv := NewServer(socketPath, service, func() StatusResult { return StatusResult{PID: 42, Mode: "watching"} }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		c, err := Dial(socketPath, 50*time.Millisecond)
		if c != nil {
			_ = c.Close()
		}
		return err == nil && c != nil
	}, time.Second, 10*time.Millisecond)

	return socketPath, func() {
		cancel()
		<-done
	}
}

func TestServerPingAndStatus(t *testing.T) {
	socketPath, stop := startTestServer(t, &fakeService{bulletID: "b-xyz"})
	defer stop()

	client, err := Dial(socketPath, time.Second)
	require.NoError(t, err)
	require.NotNil(t, client)
	defer client.Close()

	require.NoError(t, client.Ping())

	client2, err := Dial(socketPath, time.Second)
	require.NoError(t, err)
	defer client2.Close()
	status, err := client2.Status()
	require.NoError(t, err)
	require.Equal(t, 42, status.PID)
	require.Equal(t, "watching", status.Mode)
}

func TestServerSearchAndShowAndAddBullet(t *testing.T) {
	socketPath, stop := startTestServer(t, &fakeService{bulletID: "b-xyz"})
	defer stop()

	c1, err := Dial(socketPath, time.Second)
	require.NoError(t, err)
	defer c1.Close()
	hits, err := c1.Search("channels", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "channels", hits[0].Text)

	c2, err := Dial(socketPath, time.Second)
	require.NoError(t, err)
	defer c2.Close()
	text, err := c2.Show("go-concurrency")
	require.NoError(t, err)
	require.Equal(t, "bullets for go-concurrency", text)

	c3, err := Dial(socketPath, time.Second)
	require.NoError(t, err)
	defer c3.Close()
	id, err := c3.AddBullet("go-concurrency", "new fact", "fact")
	require.NoError(t, err)
	require.Equal(t, "b-xyz", id)

	c4, err := Dial(socketPath, time.Second)
	require.NoError(t, err)
	defer c4.Close()
	require.NoError(t, c4.MarkReviewed("go-concurrency"))
}

func TestDialReturnsNilWhenNothingListening(t *testing.T) {
	client, err := Dial(filepath.Join(t.TempDir(), "nope.sock"), 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, client)
}
