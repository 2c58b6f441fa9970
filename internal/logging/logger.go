// Package logging provides structured logging for the replication engine.
package logging

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with engine-specific structured fields.
type Logger struct {
	zlog     zerolog.Logger
	workerID *int
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// Config holds logging configuration.
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // If true, writes are synchronous (useful for testing)
	NoColor bool // If true, disables ANSI color codes (useful for testing)
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter wraps an io.Writer with an async buffered channel so hot-path
// logging never blocks a worker's run-to-completion loop.
type asyncWriter struct {
	out    io.Writer
	ch     chan []byte
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (n int, err error) {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	aw.mu.Unlock()

	msg := make([]byte, len(p))
	copy(msg, p)

	select {
	case aw.ch <- msg:
		return len(p), nil
	default:
		// Buffer full: drop rather than block a worker's poll loop.
		return len(p), nil
	}
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	var output io.Writer = config.Output
	if !config.Sync {
		output = newAsyncWriter(config.Output, 1000)
	}

	var zlog zerolog.Logger
	switch config.Format {
	case "json":
		zlog = zerolog.New(output).With().Timestamp().Logger()
	default:
		consoleWriter := zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor}
		zlog = zerolog.New(consoleWriter).With().Timestamp().Logger()
	}

	zlog = zlog.Level(zerolog.Level(config.Level))

	return &Logger{zlog: zlog}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithWorker returns a logger carrying the worker's core id.
func (l *Logger) WithWorker(coreID int) *Logger {
	return &Logger{
		zlog:     l.zlog.With().Int("worker", coreID).Logger(),
		workerID: &coreID,
	}
}

// WithNamespace returns a logger carrying a namespace id.
func (l *Logger) WithNamespace(nsID int) *Logger {
	return &Logger{
		zlog:     l.zlog.With().Int("ns", nsID).Logger(),
		workerID: l.workerID,
	}
}

// WithIOID returns a logger carrying a logical I/O id and op kind.
func (l *Logger) WithIOID(ioID uint64, op string) *Logger {
	return &Logger{
		zlog:     l.zlog.With().Uint64("io_id", ioID).Str("op", op).Logger(),
		workerID: l.workerID,
	}
}

// WithError returns a logger carrying error context.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		zlog:     l.zlog.With().Err(err).Logger(),
		workerID: l.workerID,
	}
}

func (l *Logger) Debug(msg string, args ...any) { l.logKV(l.zlog.Debug(), msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.logKV(l.zlog.Info(), msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.logKV(l.zlog.Warn(), msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.logKV(l.zlog.Error(), msg, args) }

func (l *Logger) logKV(event *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	event.Msg(msg)
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) { l.Debug(msg, args...) }
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any)  { l.Info(msg, args...) }
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) { l.Warn(msg, args...) }
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) { l.Error(msg, args...) }

func (l *Logger) Debugf(format string, args ...any) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.zlog.Error().Msgf(format, args...) }

// ConnectStart logs the start of a queue-pair connect attempt.
func (l *Logger) ConnectStart(target string) {
	l.zlog.Info().Str("target", target).Msg("connect starting")
}

// ConnectSuccess logs a successful queue-pair connect.
func (l *Logger) ConnectSuccess(target string) {
	l.zlog.Info().Str("target", target).Msg("connect succeeded")
}

// ConnectError logs a failed queue-pair connect attempt.
func (l *Logger) ConnectError(target string, err error) {
	l.zlog.Error().Str("target", target).Err(err).Msg("connect failed")
}

// IOStart logs the submission of a logical I/O.
func (l *Logger) IOStart(op string, offset, lengthBlocks uint64) {
	l.zlog.Debug().Str("op", op).Uint64("offset", offset).Uint64("length", lengthBlocks).Msg("io submitting")
}

// IOComplete logs the completion of a logical I/O.
func (l *Logger) IOComplete(op string, offset, lengthBlocks uint64, latencyUs int64) {
	l.zlog.Debug().Str("op", op).Uint64("offset", offset).Uint64("length", lengthBlocks).Int64("latency_us", latencyUs).Msg("io completed")
}

// IOError logs a failed logical I/O.
func (l *Logger) IOError(op string, offset, lengthBlocks uint64, err error) {
	l.zlog.Error().Str("op", op).Uint64("offset", offset).Uint64("length", lengthBlocks).Err(err).Msg("io failed")
}

// Convenience functions forwarding to the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

func DebugCtx(ctx context.Context, msg string, args ...any) { Default().DebugContext(ctx, msg, args...) }
func InfoCtx(ctx context.Context, msg string, args ...any)  { Default().InfoContext(ctx, msg, args...) }
func WarnCtx(ctx context.Context, msg string, args ...any)  { Default().WarnContext(ctx, msg, args...) }
func ErrorCtx(ctx context.Context, msg string, args ...any) { Default().ErrorContext(ctx, msg, args...) }
