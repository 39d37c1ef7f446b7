package logsource

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/beacon/internal/model"
)

func TestStdinSource_ReadsLines(t *testing.T) {
	src := newStdinSourceWithReader(context.Background(), strings.NewReader("a\n\nb\n"), nil)

	var got []model.Envelope
	for env := range src.Lines() {
		got = append(got, env)
	}
	assert.Equal(t, []model.Envelope{{Source: "stdin", Line: "a"}, {Source: "stdin", Line: "b"}}, got)
}

func TestStdinSource_StopClosesLines(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	src := newStdinSourceWithReader(context.Background(), r, nil)
	src.Stop()
	src.Stop()

	select {
	case _, ok := <-src.Lines():
		assert.False(t, ok, "expected lines channel to be closed after Stop")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lines channel to close")
	}
}
