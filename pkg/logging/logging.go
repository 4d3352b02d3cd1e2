package logging

import (
	"context"
	"os"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golift.io/rotatorr"
	"golift.io/rotatorr/timerotator"
)

const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

type config struct {
	level   zapcore.Level
	format  string
	logFile string
}

type Option func(*config)

func WithLogLevel(level string) Option {
	return func(c *config) {
		ll := zapcore.InfoLevel
		_ = ll.Set(level)
		c.level = ll
	}
}

func WithLogFormat(format string) Option {
	return func(c *config) {
		switch format {
		case LogFormatConsole:
			c.format = LogFormatConsole
		default:
			c.format = LogFormatJSON
		}
	}
}

// WithLogFile mirrors log output to a size-rotated file in addition to stderr.
func WithLogFile(path string) Option {
	return func(c *config) {
		c.logFile = path
	}
}

// Init builds the run logger and attaches it to the provided context.
// Components pull it back out with ctxzap.Extract; nothing reads the zap
// globals directly.
func Init(ctx context.Context, opts ...Option) (context.Context, error) {
	c := &config{
		level:  zapcore.InfoLevel,
		format: LogFormatJSON,
	}
	for _, opt := range opts {
		opt(c)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	switch c.format {
	case LogFormatConsole:
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), c.level),
	}

	if c.logFile != "" {
		rr, err := rotatorr.New(&rotatorr.Config{
			Filepath: c.logFile,
			FileSize: 1024 * 1024 * 10, // 10 megabytes
			Rotatorr: &timerotator.Layout{FileCount: 10},
		})
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rr), c.level))
	}

	l := zap.New(zapcore.NewTee(cores...))
	zap.ReplaceGlobals(l)

	l.Debug("Logger created!", zap.String("log_level", c.level.String()))

	return ctxzap.ToContext(ctx, l), nil
}
