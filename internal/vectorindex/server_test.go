package vectorindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServerAnswersQueryOverSocket(t *testing.T) {
	ix := New()
	ix.Upsert("b-1", []float32{1, 0})
	ix.Upsert("b-2", []float32{0, 1})

	socketPath := filepath.Join(t.TempDir(), "vec.sock")
	srv := NewServer(ix)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Start(ctx, socketPath) }()

	client := NewClient(socketPath)
	var hits []Hit
	require.Eventually(t, func() bool {
		queryCtx, queryCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer queryCancel()
		h, err := client.Query(queryCtx, []float32{1, 0}, 1)
		if err != nil {
			return false
		}
		hits = h
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, hits, 1)
	require.Equal(t, "b-1", hits[0].BulletID)
}
