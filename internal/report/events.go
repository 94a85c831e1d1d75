package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventPlace      EventType = "place"
	EventReplace    EventType = "replace"
	EventQuarantine EventType = "quarantine"
	EventDerive     EventType = "derive"
	EventGeocode    EventType = "geocode"
	EventJob        EventType = "job"
	EventError      EventType = "error"
)

// EventLevel represents the severity level
type EventLevel string

const (
	LevelDebug   EventLevel = "debug"
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

var levelPriority = map[EventLevel]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// Event is one line of the JSONL log.
type Event struct {
	Timestamp time.Time         `json:"ts"`
	Level     EventLevel        `json:"level"`
	Event     EventType         `json:"event"`
	JobID     string            `json:"job_id,omitempty"`
	GUID      string            `json:"guid,omitempty"`
	SrcPath   string            `json:"src_path,omitempty"`
	DestPath  string            `json:"dest_path,omitempty"`
	Action    string            `json:"action,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Duration  int64             `json:"duration_ms,omitempty"`
	Error     string            `json:"error,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// EventLogger writes events to a JSONL file. A nil logger discards events.
type EventLogger struct {
	file     *os.File
	encoder  *json.Encoder
	mu       sync.Mutex
	path     string
	minLevel EventLevel
}

// NewEventLogger creates events-<timestamp>.jsonl in outputDir. Events below
// minLevel are dropped.
func NewEventLogger(outputDir string, minLevel EventLevel) (*EventLogger, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	path := filepath.Join(outputDir, fmt.Sprintf("events-%s.jsonl", timestamp))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	return &EventLogger{
		file:     file,
		encoder:  json.NewEncoder(file),
		path:     path,
		minLevel: minLevel,
	}, nil
}

// Log writes an event to the JSONL file
func (l *EventLogger) Log(event *Event) error {
	if l == nil || l.file == nil {
		return nil
	}
	if levelPriority[event.Level] < levelPriority[l.minLevel] {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return nil
}

// LogPlace records a staged file placed into the library.
func (l *EventLogger) LogPlace(jobID, guid, srcPath, destPath, mode string) error {
	return l.Log(&Event{
		Level:    LevelInfo,
		Event:    EventPlace,
		JobID:    jobID,
		GUID:     guid,
		SrcPath:  srcPath,
		DestPath: destPath,
		Action:   mode,
	})
}

// LogReplace records a library file overwritten by a guid-named upload.
func (l *EventLogger) LogReplace(jobID, guid, srcPath, destPath string) error {
	return l.Log(&Event{
		Level:    LevelInfo,
		Event:    EventReplace,
		JobID:    jobID,
		GUID:     guid,
		SrcPath:  srcPath,
		DestPath: destPath,
	})
}

// LogQuarantine records a file moved aside.
func (l *EventLogger) LogQuarantine(jobID, srcPath, destPath, reason string) error {
	return l.Log(&Event{
		Level:    LevelWarning,
		Event:    EventQuarantine,
		JobID:    jobID,
		SrcPath:  srcPath,
		DestPath: destPath,
		Reason:   reason,
	})
}

// LogDerive records regenerated derivatives.
func (l *EventLogger) LogDerive(jobID, guid string, thumb, mid bool, duration time.Duration) error {
	if !thumb && !mid {
		return nil
	}
	return l.Log(&Event{
		Level:    LevelDebug,
		Event:    EventDerive,
		JobID:    jobID,
		GUID:     guid,
		Duration: duration.Milliseconds(),
		Extra: map[string]string{
			"thumb": fmt.Sprintf("%t", thumb),
			"mid":   fmt.Sprintf("%t", mid),
		},
	})
}

// LogGeocode records one lookup outcome.
func (l *EventLogger) LogGeocode(jobID, guid, outcome string, err error) error {
	ev := &Event{
		Level:  LevelDebug,
		Event:  EventGeocode,
		JobID:  jobID,
		GUID:   guid,
		Action: outcome,
	}
	if err != nil {
		ev.Level = LevelWarning
		ev.Error = err.Error()
	}
	return l.Log(ev)
}

// LogJob records a job reaching a terminal state.
func (l *EventLogger) LogJob(jobID, jobType, state string, duration time.Duration, err error) error {
	ev := &Event{
		Level:    LevelInfo,
		Event:    EventJob,
		JobID:    jobID,
		Action:   jobType,
		Reason:   state,
		Duration: duration.Milliseconds(),
	}
	if err != nil {
		ev.Level = LevelError
		ev.Error = err.Error()
	}
	return l.Log(ev)
}

// LogError logs a per-item error
func (l *EventLogger) LogError(jobID, srcPath string, err error) error {
	return l.Log(&Event{
		Level:   LevelError,
		Event:   EventError,
		JobID:   jobID,
		SrcPath: srcPath,
		Error:   err.Error(),
	})
}

// Close closes the event log file
func (l *EventLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Path returns the path to the event log file
func (l *EventLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}
