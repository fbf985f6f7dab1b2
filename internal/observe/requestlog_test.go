package observe_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/whisperwire/internal/observe"
)

func TestRequestLogWritesJSONLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "requests.log")
	l := observe.NewRequestLog(observe.RequestLogConfig{Path: path})
	if l == nil {
		t.Fatal("NewRequestLog returned nil for a configured path")
	}

	l.Log(observe.RequestRecord{Wire: "ws", Kind: "partial", SessionID: "s1", SampleRate: 16000, Status: "ok"})
	l.Log(observe.RequestRecord{Wire: "grpc", Kind: "final", SessionID: "s2", SampleRate: 16000, Status: "error", Error: "boom"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var records []observe.RequestRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec observe.RequestRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		records = append(records, rec)
	}

	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Wire != "ws" || records[0].Kind != "partial" {
		t.Errorf("first record = %+v", records[0])
	}
	if records[0].TS == 0 || records[0].TSISO == "" {
		t.Error("timestamps were not stamped")
	}
	if records[1].Status != "error" || records[1].Error != "boom" {
		t.Errorf("second record = %+v", records[1])
	}
}

func TestNilRequestLogIsNoop(t *testing.T) {
	t.Parallel()

	var l *observe.RequestLog
	l.Log(observe.RequestRecord{Wire: "ws"}) // must not panic
	if err := l.Close(); err != nil {
		t.Errorf("Close() on nil log error: %v", err)
	}

	if observe.NewRequestLog(observe.RequestLogConfig{}) != nil {
		t.Error("NewRequestLog with empty path should return nil")
	}
}
