// Package guildlog is the per-guild log pipeline. Anything a guild's owner
// should see — script errors, compile failures, VM lifecycle notices — is an
// Entry here, never an operational log line. Entries are queued on a buffered
// channel and drained by a background flusher so the VM loop never blocks on
// log delivery.
package guildlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
)

// Level classifies a guild log entry.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
	// LevelScriptError marks errors raised by user script code, as opposed
	// to the runtime acting on the script's behalf.
	LevelScriptError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelScriptError:
		return "script_error"
	default:
		return "info"
	}
}

// Entry is one guild-visible log line.
type Entry struct {
	ID         string
	GuildID    domain.GuildID
	Level      Level
	Message    string
	ScriptName string
	CreatedAt  time.Time
}

// Sink receives flushed entries. Implementations must tolerate bursts; the
// flusher calls them from a single goroutine.
type Sink interface {
	WriteEntries(ctx context.Context, entries []Entry) error
}

// Logger fans guild entries out to the configured sink in batches. The zero
// value is not usable; construct with New.
type Logger struct {
	ch   chan Entry
	sink Sink

	flushInterval time.Duration
	batchSize     int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

const (
	defaultBuffer        = 1024
	defaultBatchSize     = 50
	defaultFlushInterval = 2 * time.Second
)

// New creates a Logger flushing to sink. A nil sink drops entries after
// mirroring them to the operational logger at debug level.
func New(sink Sink) *Logger {
	l := &Logger{
		ch:            make(chan Entry, defaultBuffer),
		sink:          sink,
		flushInterval: defaultFlushInterval,
		batchSize:     defaultBatchSize,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go l.run()
	return l
}

// Log enqueues an entry. Drops with an operational warning when the buffer
// is full rather than blocking the caller.
func (l *Logger) Log(e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	select {
	case l.ch <- e:
	default:
		logging.Op().Warn("guild log buffer full, dropping entry", "guild_id", e.GuildID, "level", e.Level.String())
	}
}

// Info logs an informational entry for a guild.
func (l *Logger) Info(guildID domain.GuildID, msg string) {
	l.Log(Entry{GuildID: guildID, Level: LevelInfo, Message: msg})
}

// Error logs an error entry for a guild.
func (l *Logger) Error(guildID domain.GuildID, msg string) {
	l.Log(Entry{GuildID: guildID, Level: LevelError, Message: msg})
}

// ScriptError logs a user-script error for a guild.
func (l *Logger) ScriptError(guildID domain.GuildID, msg, scriptName string) {
	l.Log(Entry{GuildID: guildID, Level: LevelScriptError, Message: msg, ScriptName: scriptName})
}

// Close flushes remaining entries and stops the background worker.
func (l *Logger) Close() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	<-l.doneCh
}

func (l *Logger) run() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, l.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.deliver(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.stopCh:
			// drain whatever is still queued
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) deliver(batch []Entry) {
	if l.sink == nil {
		for _, e := range batch {
			logging.Op().Debug("guild log", "guild_id", e.GuildID, "level", e.Level.String(), "msg", e.Message)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.sink.WriteEntries(ctx, batch); err != nil {
		logging.Op().Error("failed flushing guild log entries", "error", err, "entries", len(batch))
	}
}
