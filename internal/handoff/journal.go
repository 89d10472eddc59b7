package handoff

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is one journaled verdict application.
type Entry struct {
	ID          string    `json:"id"`
	TabID       string    `json:"tab_id"`
	URL         string    `json:"url"`
	Verdict     string    `json:"verdict"`
	RawResult   string    `json:"raw_result,omitempty"`
	NavSeq      uint64    `json:"nav_seq"`
	Intercepted bool      `json:"intercepted"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Journal appends verdict entries as JSON lines to a rotating file.
// Writes are asynchronous; a full buffer drops the entry rather than
// stalling the navigation pipeline.
type Journal struct {
	out     *lumberjack.Logger
	writeCh chan Entry
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

const journalBuffer = 256

// NewJournal opens a journal under dir and starts its writer goroutine.
func NewJournal(dir string, logger *slog.Logger) *Journal {
	j := &Journal{
		out: &lumberjack.Logger{
			Filename:   filepath.Join(dir, "verdicts.jsonl"),
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		},
		writeCh: make(chan Entry, journalBuffer),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go j.writeLoop()
	return j
}

// Append queues an entry for writing. The entry ID and timestamp are
// filled in when absent.
func (j *Journal) Append(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	select {
	case j.writeCh <- e:
	default:
		j.logger.Warn("journal buffer full, dropping entry", "tab_id", e.TabID, "url", e.URL)
	}
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for e := range j.writeCh {
		if err := j.write(e); err != nil {
			j.logger.Error("journal write failed", "error", err)
		}
	}
}

func (j *Journal) write(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	if _, err := j.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

// Close drains buffered entries and closes the underlying file.
func (j *Journal) Close() error {
	j.once.Do(func() {
		close(j.writeCh)
	})
	select {
	case <-j.done:
	case <-time.After(5 * time.Second):
		j.logger.Warn("journal close timed out before drain completed")
	}
	return j.out.Close()
}
