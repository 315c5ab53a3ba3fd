package tailer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollowFromStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines := make(chan string, 8)
	done := make(chan error, 1)
	go func() { done <- Follow(ctx, path, true, lines) }()

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-lines:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("line %q not delivered", want)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("three\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case got := <-lines:
		assert.Equal(t, "three", got)
	case <-time.After(5 * time.Second):
		t.Fatal("appended line not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}
