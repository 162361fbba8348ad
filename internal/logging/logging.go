/**
 * @description
 * Structured logging setup for the withdrawal-service. A single zerolog logger
 * is built at boot, attached to contexts, and used as the default for any
 * context that does not carry one.
 *
 * @dependencies
 * - github.com/rs/zerolog: Structured, leveled JSON logging.
 */
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the service logger. Local environments get the console writer;
// everything else writes JSON lines.
func New(w io.Writer, env, level string) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		w = zerolog.ConsoleWriter{Out: w}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "withdrawal-service").Logger()
}

// Setup builds the logger and makes it the fallback for contexts without one.
func Setup(env, level string) (context.Context, *zerolog.Logger) {
	l := New(os.Stdout, env, level)
	zerolog.DefaultContextLogger = &l
	return l.WithContext(context.Background()), &l
}

// FromContext returns the context logger tagged with a component name.
func FromContext(ctx context.Context, component string) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("component", component).Logger()
	return &l
}
