package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWithPathWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kgd.log")
	log := New(Options{Path: path})

	log.Logf("daemon started on %s", "/tmp/proj")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "daemon started on /tmp/proj")
}

func TestNewWithoutPathDoesNotPanic(t *testing.T) {
	log := New(Options{})
	require.NotPanics(t, func() { log.Logf("hello %d", 1) })
}

func TestDiscardSuppressesOutput(t *testing.T) {
	log := Discard()
	require.NotPanics(t, func() {
		log.Logf("x")
		log.Errorf("y")
		log.Debugf("z")
	})
}
