package shimizu

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	gormlogger "gorm.io/gorm/logger"
)

const (
	loggerNameKey                = "logger"
	loggerContextKey  contextKey = "logger"
	discordgoLoggerID            = "discordgo"
	gormLoggerID                 = "gorm"
)

var defaultLogWriter io.Writer = os.Stdout

type contextKey string

// newLogHandler returns the tint handler used for every component
// logger, writing to defaultLogWriter.
func newLogHandler(level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

// WithLogger stores logger in ctx
// A nil logger is replaced with slog.Default().
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns the logger stored by WithLogger, if any
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// loggerFromContext returns the context logger, or fallback when there
// isn't one. If fallback is nil, slog.Default() is used.
func loggerFromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok && logger != nil {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// discordgoLoggerFunc returns a function suitable for discordgo.Logger,
// which routes discordgo's printf-style messages to the given handler.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler).With(loggerNameKey, discordgoLoggerID)
	return func(msgL int, _ int, format string, args ...any) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

var (
	DBLogLevelInfo  = DBLogLevel(slog.LevelInfo.String())
	DBLogLevelWarn  = DBLogLevel(slog.LevelWarn.String())
	DBLogLevelError = DBLogLevel(slog.LevelError.String())
	DBLogLevelDebug = DBLogLevel(slog.LevelDebug.String())
)

// DBLogLevel is a slog level name, stored as a string column so log levels
// can be changed at runtime via RuntimeConfig.
type DBLogLevel string

// Scan implements the sql.Scanner interface.
func (l *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return l.Set(string(v))
	case string:
		return l.Set(v)
	default:
		return errors.New("invalid type for DBLogLevel")
	}
}

// Value implements the driver.Valuer interface.
func (l DBLogLevel) Value() (driver.Value, error) {
	return l.String(), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (DBLogLevel) GormDataType() string {
	return "string"
}

// MarshalJSON implements the json.Marshaler interface.
func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var levelString string
	if err := json.Unmarshal(data, &levelString); err != nil {
		return err
	}
	return l.Set(levelString)
}

func (l DBLogLevel) String() string {
	return string(l)
}

// Set parses s (case-insensitive) into a DBLogLevel.
func (l *DBLogLevel) Set(s string) error {
	level, ok := parseLevelName(s)
	if !ok {
		return fmt.Errorf("unknown log level: %s", s)
	}
	*l = DBLogLevel(level.String())
	return nil
}

// Level returns the underlying slog.Level value. Unknown names are
// logged and treated as INFO.
func (l DBLogLevel) Level() slog.Level {
	level, ok := parseLevelName(string(l))
	if !ok {
		slog.Default().Error(fmt.Sprintf("unknown log level '%s'", string(l)))
		return slog.LevelInfo
	}
	return level
}

func parseLevelName(s string) (slog.Level, bool) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// gormStructuredLogger implements gorm's logger.Interface on top of slog.
// Queries slower than SlowThreshold are logged at WARN, everything else at
// DEBUG.
type gormStructuredLogger struct {
	logger        *slog.Logger
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, gormLoggerID),
		SlowThreshold: slowThreshold,
	}
}

// LogMode is a no-op, as the level is controlled by the slog handler.
func (g *gormStructuredLogger) LogMode(_ gormlogger.LogLevel) gormlogger.Interface {
	return g
}

func (g *gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	slow := g.SlowThreshold > 0 && elapsed > g.SlowThreshold

	level := slog.LevelDebug
	msg := "sql completed"
	switch {
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound):
		level = slog.LevelError
		msg = "sql error"
	case slow:
		level = slog.LevelWarn
		msg = "slow sql"
	}
	if !g.logger.Enabled(ctx, level) {
		return
	}

	s, rowsAffected := fc()
	attrs := []slog.Attr{
		slog.Duration("elapsed", elapsed),
		slog.Duration("threshold", g.SlowThreshold),
		slog.String("sql", s),
	}
	if rowsAffected == -1 {
		attrs = append(attrs, slog.String("rows", "-"))
	} else {
		attrs = append(attrs, slog.Int64("rows", rowsAffected))
	}
	if err != nil {
		attrs = append(attrs, tint.Err(err))
	}
	g.logger.LogAttrs(ctx, level, msg, attrs...)
}
