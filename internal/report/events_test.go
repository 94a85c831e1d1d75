package report

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("invalid JSONL line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestNewEventLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")

	logger, err := NewEventLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(logger.Path()); err != nil {
		t.Fatalf("event log not created: %v", err)
	}
	name := filepath.Base(logger.Path())
	if !strings.HasPrefix(name, "events-") || !strings.HasSuffix(name, ".jsonl") {
		t.Errorf("unexpected event log name %q", name)
	}
}

func TestEventLoggerHelpers(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}

	logger.LogPlace("job1", "g1", "/in/a.jpg", "/lib/2020/01/01/a.jpg", "move")
	logger.LogReplace("job1", "g2", "/in/g2.jpg", "/lib/2019/05/05/x.jpg")
	logger.LogQuarantine("job1", "/in/b.jpg", "/failed/b.jpg", "no capture date")
	logger.LogDerive("job1", "g1", true, false, 120*time.Millisecond)
	logger.LogDerive("job1", "g1", false, false, 0) // nothing regenerated: skipped
	logger.LogGeocode("job1", "g1", "provider_error", errors.New("boom"))
	logger.LogError("job1", "/in/c.jpg", errors.New("decode failed"))
	logger.LogJob("job1", "ingest", "done", 2*time.Second, nil)
	logger.Close()

	events := readEvents(t, logger.Path())
	want := []EventType{EventPlace, EventReplace, EventQuarantine, EventDerive, EventGeocode, EventError, EventJob}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Event != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.Event, want[i])
		}
		if ev.JobID != "job1" {
			t.Errorf("event %d job id = %q", i, ev.JobID)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("event %d has no timestamp", i)
		}
	}

	if events[0].Action != "move" || events[0].DestPath != "/lib/2020/01/01/a.jpg" {
		t.Errorf("place event = %+v", events[0])
	}
	if events[2].Level != LevelWarning || events[2].Reason != "no capture date" {
		t.Errorf("quarantine event = %+v", events[2])
	}
	if events[3].Extra["thumb"] != "true" || events[3].Extra["mid"] != "false" || events[3].Duration != 120 {
		t.Errorf("derive event = %+v", events[3])
	}
	if events[4].Level != LevelWarning || events[4].Error != "boom" {
		t.Errorf("geocode event = %+v", events[4])
	}
	if events[5].Level != LevelError {
		t.Errorf("error event level = %s", events[5].Level)
	}
	if events[6].Reason != "done" || events[6].Duration != 2000 {
		t.Errorf("job event = %+v", events[6])
	}
}

func TestEventLoggerMinLevel(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelWarning)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}

	logger.LogPlace("j", "g", "a", "b", "copy")
	logger.LogDerive("j", "g", true, true, 0)
	logger.LogQuarantine("j", "a", "b", "bad")
	logger.LogError("j", "a", errors.New("x"))
	logger.Close()

	events := readEvents(t, logger.Path())
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (warning and error only)", len(events))
	}
}

func TestNilEventLogger(t *testing.T) {
	var logger *EventLogger
	if err := logger.LogError("j", "a", errors.New("x")); err != nil {
		t.Errorf("nil logger Log returned %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("nil logger Close returned %v", err)
	}
	if logger.Path() != "" {
		t.Errorf("nil logger Path = %q", logger.Path())
	}
}

func TestEventLoggerConcurrentWrites(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				logger.LogPlace("j", "g", "src", "dest", "move")
			}
		}()
	}
	wg.Wait()
	logger.Close()

	if got := len(readEvents(t, logger.Path())); got != workers*perWorker {
		t.Errorf("got %d events, want %d", got, workers*perWorker)
	}
}
