// Package convlog writes assistant conversations as newline-delimited JSON,
// one file per user session plus an optional global stream.
package convlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/change-assist/internal/conversation"
	"github.com/ashureev/change-assist/internal/domain"
)

const defaultQueueSize = 1000

// Event is one line in a conversation log.
type Event struct {
	Timestamp      time.Time `json:"ts"`
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Channel        string    `json:"channel"`
	Direction      string    `json:"direction"`
	EventType      string    `json:"event_type"`
	Content        string    `json:"content"`
	ContentRaw     string    `json:"content_raw,omitempty"`
	ToolID         string    `json:"tool_id,omitempty"`
	IsError        bool      `json:"is_error,omitempty"`
}

// Config controls where and whether events are written.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Logger accepts conversation events.
type Logger interface {
	Log(Event)
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Log implements Logger.
func (Nop) Log(Event) {}

// Close implements Logger.
func (Nop) Close() error { return nil }

// FileLogger queues events and writes them from a single goroutine.
type FileLogger struct {
	cfg     Config
	logger  *slog.Logger
	queue   chan Event
	done    chan struct{}
	files   map[string]*os.File
	global  *os.File
	dropped atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// New returns Nop when logging is disabled, otherwise a running FileLogger.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	return NewFileLogger(cfg, logger)
}

// NewFileLogger creates the log directory and starts the writer goroutine.
func NewFileLogger(cfg Config, logger *slog.Logger) (*FileLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("conversation log dir is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &FileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		f, err := openAppend(cfg.GlobalPath)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

// Log enqueues an event. Events are dropped when the queue is full.
func (l *FileLogger) Log(e Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Content == "" && e.ContentRaw != "" {
		e.Content = cleanForReadability(e.ContentRaw)
	}

	select {
	case l.queue <- e:
	default:
		if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
			l.logger.Warn("Conversation log queue full, dropping events", "dropped", n)
		}
	}
}

// Close drains the queue and closes every open file.
func (l *FileLogger) Close() error {
	var errs []error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		<-l.done

		if n := l.dropped.Load(); n > 0 {
			l.logger.Warn("Conversation log closed with dropped events", "dropped", n)
		}

		for _, f := range l.files {
			errs = append(errs, f.Close())
		}
		if l.global != nil {
			errs = append(errs, l.global.Close())
		}
	})
	return errors.Join(errs...)
}

func (l *FileLogger) run() {
	defer close(l.done)
	for e := range l.queue {
		line, err := json.Marshal(e)
		if err != nil {
			l.logger.Warn("Failed to encode conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		if err := l.writeSession(e, line); err != nil {
			l.logger.Warn("Failed to write conversation log",
				"user_id", e.UserID,
				"session_id", e.SessionID,
				"error", err,
			)
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("Failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *FileLogger) writeSession(e Event, line []byte) error {
	path := filepath.Join(l.cfg.Dir, safeSegment(e.UserID), safeSegment(e.SessionID)+".ndjson")
	f, ok := l.files[path]
	if !ok {
		var err error
		if f, err = openAppend(path); err != nil {
			return err
		}
		l.files[path] = f
	}
	_, err := f.Write(line)
	return err
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // path is built from sanitized segments
}

// Observer returns a conversation observer that logs every turn for one user session.
func Observer(l Logger, userID, sessionID, channel string) conversation.Observer {
	return conversation.ObserverFunc(func(conversationID string, turn domain.Turn) {
		direction, eventType := "inbound", "assistant_message"
		if turn.Role == domain.RoleUser {
			direction, eventType = "outbound", "user_message"
		}
		l.Log(Event{
			Timestamp:      turn.Timestamp,
			UserID:         userID,
			SessionID:      sessionID,
			ConversationID: conversationID,
			Channel:        channel,
			Direction:      direction,
			EventType:      eventType,
			Content:        cleanForReadability(turn.Content),
			ContentRaw:     turn.Content,
			ToolID:         turn.ToolID,
			IsError:        turn.IsError,
		})
	})
}

var (
	ansiPattern   = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	blankRun      = regexp.MustCompile(`\n{3,}`)
	unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
)

// cleanForReadability strips escape sequences and stray control characters.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	s = blankRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func safeSegment(s string) string {
	s = unsafeSegment.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}
