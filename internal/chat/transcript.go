package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/okotova/sage/internal/config"
)

// TranscriptEvent is one NDJSON conversation log line.
type TranscriptEvent struct {
	Timestamp string         `json:"ts"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Channel   string         `json:"channel"`    // chat_http, document_http, voice_ws
	Direction string         `json:"direction"`  // outbound (user) / inbound (assistant)
	EventType string         `json:"event_type"` // user_message, assistant_message, ...
	Content   string         `json:"content"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// TranscriptLogger records conversation events.
type TranscriptLogger interface {
	Log(event TranscriptEvent)
	Close() error
}

type noopTranscriptLogger struct{}

func (noopTranscriptLogger) Log(TranscriptEvent) {}
func (noopTranscriptLogger) Close() error        { return nil }

// NoopTranscriptLogger returns a logger that discards all events.
func NoopTranscriptLogger() TranscriptLogger {
	return noopTranscriptLogger{}
}

// FileTranscriptLogger appends events as NDJSON, one file per user/session,
// plus an optional global file. Writes happen on a background worker fed by
// a bounded queue; when the queue is full events are dropped, never blocking
// the conversation turn.
type FileTranscriptLogger struct {
	cfg    config.TranscriptLogConfig
	logger *slog.Logger

	queue   chan TranscriptEvent
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped int64
	mu      sync.Mutex
}

// NewTranscriptLogger creates a file-backed transcript logger. When logging
// is disabled it returns a noop logger.
func NewTranscriptLogger(cfg config.TranscriptLogConfig, logger *slog.Logger) (TranscriptLogger, error) {
	if !cfg.Enabled {
		return NoopTranscriptLogger(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global transcript directory: %w", err)
		}
	}

	l := &FileTranscriptLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan TranscriptEvent, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log enqueues the event, stamping the timestamp if unset. Never blocks.
func (l *FileTranscriptLogger) Log(event TranscriptEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case l.queue <- event:
	default:
		l.mu.Lock()
		l.dropped++
		dropped := l.dropped
		l.mu.Unlock()
		if dropped%100 == 1 {
			l.logger.Warn("transcript queue full, dropping events", "dropped_total", dropped)
		}
	}
}

// Close drains the queue and stops the worker.
func (l *FileTranscriptLogger) Close() error {
	l.once.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *FileTranscriptLogger) run() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.queue:
			l.write(event)
		case <-l.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case event := <-l.queue:
					l.write(event)
				default:
					return
				}
			}
		}
	}
}

func (l *FileTranscriptLogger) write(event TranscriptEvent) {
	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("failed to marshal transcript event", "error", err)
		return
	}
	line = append(line, '\n')

	sessionPath := filepath.Join(l.cfg.Dir, event.UserID, event.SessionID+".ndjson")
	if err := appendFile(sessionPath, line); err != nil {
		l.logger.Warn("failed to write session transcript", "path", sessionPath, "error", err)
	}

	if l.cfg.GlobalEnabled {
		if err := appendFile(l.cfg.GlobalPath, line); err != nil {
			l.logger.Warn("failed to write global transcript", "path", l.cfg.GlobalPath, "error", err)
		}
	}
}

func appendFile(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}
