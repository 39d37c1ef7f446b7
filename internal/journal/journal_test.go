package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tinytelemetry/beacon/internal/model"
)

func TestAppendReplayCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.journal")

	j, err := Open[*model.LogEntry](path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	seq1, err := j.Append(&model.LogEntry{ID: "1", Level: model.LevelInfo, Message: "first"})
	if err != nil {
		t.Fatalf("Append first: %v", err)
	}
	seq2, err := j.Append(&model.LogEntry{ID: "2", Level: model.LevelError, Message: "second"})
	if err != nil {
		t.Fatalf("Append second: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("sequence did not advance: seq1=%d seq2=%d", seq1, seq2)
	}

	if err := j.Commit(seq1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var replayed []string
	err = j.Replay(func(_ uint64, e *model.LogEntry) error {
		replayed = append(replayed, e.Message)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(replayed) != 1 || replayed[0] != "second" {
		t.Fatalf("Replay messages=%v, want [second]", replayed)
	}
}

func TestReopenCompactsCommittedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.journal")

	j, err := Open[*model.PerformanceMetric](path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := j.Append(&model.PerformanceMetric{Type: model.MetricHTTP, Name: "GET /", Value: float64(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := Open[*model.PerformanceMetric](path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = j2.Close() }()

	if got := j2.Committed(); got != 2 {
		t.Fatalf("Committed = %d, want 2", got)
	}
	var values []float64
	if err := j2.Replay(func(_ uint64, m *model.PerformanceMetric) error {
		values = append(values, m.Value)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(values) != 1 || values[0] != 2 {
		t.Fatalf("replayed %v, want [2]", values)
	}

	seq, err := j2.Append(&model.PerformanceMetric{Name: "next"})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if seq != 4 {
		t.Fatalf("next seq = %d, want 4", seq)
	}
}

func TestOpenIgnoresPartialTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.journal")

	j, err := Open[*model.LogEntry](path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := j.Append(&model.LogEntry{ID: "ok", Message: "ok"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate torn write.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString(`{"seq":999,"record":`); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close torn writer: %v", err)
	}

	j2, err := Open[*model.LogEntry](path)
	if err != nil {
		t.Fatalf("Open second: %v", err)
	}
	defer func() { _ = j2.Close() }()

	var replayed []string
	if err := j2.Replay(func(_ uint64, e *model.LogEntry) error {
		replayed = append(replayed, e.Message)
		return nil
	}); err != nil {
		t.Fatalf("Replay second: %v", err)
	}
	if len(replayed) != 1 || replayed[0] != "ok" {
		t.Fatalf("Replay after torn write=%v, want [ok]", replayed)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	if err := WriteFileAtomic(path, []byte("one")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "two" {
		t.Fatalf("content = %q, want two", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind: %v", err)
	}
}
