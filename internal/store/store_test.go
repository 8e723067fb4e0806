package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/require"

	"github.com/knowgraph/knowgraph/internal/model"
)

func TestAddListUpdateDelete(t *testing.T) {
	s := New(t.TempDir())

	id, err := s.Add("go-concurrency", "channels are typed conduits", model.KindFact)
	require.NoError(t, err)
	require.True(t, len(id) > 2 && id[:2] == "b-")

	bullets, err := s.List("go-concurrency")
	require.NoError(t, err)
	require.Len(t, bullets, 1)
	require.Equal(t, "channels are typed conduits", bullets[0].Text)
	require.Equal(t, model.KindFact, bullets[0].Kind)
	require.False(t, bullets[0].Tombstoned)

	require.NoError(t, s.Update(id, "channels are typed conduits for goroutines"))
	bullets, err = s.List("go-concurrency")
	require.NoError(t, err)
	require.Len(t, bullets, 1)
	require.Equal(t, "channels are typed conduits for goroutines", bullets[0].Text)

	require.NoError(t, s.Delete(id))
	bullets, err = s.List("go-concurrency")
	require.NoError(t, err)
	require.Empty(t, bullets)
}

func TestAddRejectsInvalidKind(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Add("go-concurrency", "x", model.BulletKind("nonsense"))
	require.Error(t, err)
}

func TestAddRejectsInvalidSlug(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Add("Not_A_Slug", "x", model.KindFact)
	require.ErrorIs(t, err, ErrInvalidSlug)
}

func TestListPreservesFirstAppearanceOrder(t *testing.T) {
	s := New(t.TempDir())
	id1, err := s.Add("go-concurrency", "first", model.KindFact)
	require.NoError(t, err)
	id2, err := s.Add("go-concurrency", "second", model.KindNote)
	require.NoError(t, err)

	// update id1 after id2 was added; order should stay first-appearance.
	require.NoError(t, s.Update(id1, "first revised"))

	bullets, err := s.List("go-concurrency")
	require.NoError(t, err)
	require.Len(t, bullets, 2)
	require.Equal(t, id1, bullets[0].ID)
	require.Equal(t, "first revised", bullets[0].Text)
	require.Equal(t, id2, bullets[1].ID)
}

func TestUpdateUnknownIDReturnsNotFound(t *testing.T) {
	s := New(t.TempDir())
	err := s.Update("b-nonexistent", "x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteUnknownIDReturnsNotFound(t *testing.T) {
	s := New(t.TempDir())
	err := s.Delete("b-nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWriterConflictWhenLockHeld(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Add("go-concurrency", "seed", model.KindFact)
	require.NoError(t, err)

	// A separate flock instance on the node's lock file stands in for
	// another process holding the lock.
	l := flock.New(filepath.Join(s.nodeDir("go-concurrency"), ".lock"))
	locked, err := l.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = l.Unlock() }()

	_, err = s.Add("go-concurrency", "blocked", model.KindFact)
	require.ErrorIs(t, err, ErrWriterConflict)
}

func TestVoteAndMeta(t *testing.T) {
	s := New(t.TempDir())
	id, err := s.Add("go-concurrency", "seed", model.KindFact)
	require.NoError(t, err)

	require.NoError(t, s.Vote("go-concurrency", id, 1))
	require.NoError(t, s.Vote("go-concurrency", id, 1))
	require.NoError(t, s.Vote("go-concurrency", id, -1))

	meta, err := s.Meta("go-concurrency")
	require.NoError(t, err)
	tally := meta.Votes[id]
	require.Equal(t, 2, tally.Useful)
	require.Equal(t, 1, tally.Harmful)
}

func TestMarkReviewedSetsClearedAt(t *testing.T) {
	s := New(t.TempDir())
	meta, err := s.Meta("go-concurrency")
	require.NoError(t, err)
	require.True(t, meta.ClearedAt.IsZero())

	require.NoError(t, s.MarkReviewed("go-concurrency"))
	meta, err = s.Meta("go-concurrency")
	require.NoError(t, err)
	require.False(t, meta.ClearedAt.IsZero())
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	s := New(t.TempDir())
	id, err := s.Add("go-concurrency", "good line", model.KindFact)
	require.NoError(t, err)

	f, err := os.OpenFile(s.bulletLogPath("go-concurrency"), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	bullets, err := s.List("go-concurrency")
	require.NoError(t, err)
	require.Len(t, bullets, 1)
	require.Equal(t, id, bullets[0].ID)
}

func TestSlugsListsNodeDirectories(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Add("go-concurrency", "x", model.KindFact)
	require.NoError(t, err)
	_, err = s.Add("sqlite-fts5", "y", model.KindFact)
	require.NoError(t, err)

	slugs, err := s.Slugs()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"go-concurrency", "sqlite-fts5"}, slugs)
}
