package plugins

import (
	"context"

	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/illmade-knight/go-analytics/pkg/scripts"
	"github.com/rs/zerolog"
)

const LoggerName = "logger"

// Logger writes each event to the structured log. Config key: level
// (default "info").
type Logger struct {
	logger zerolog.Logger
	level  zerolog.Level
}

// NewLoggerFactory returns the constructor registered as "logger".
func NewLoggerFactory(logger zerolog.Logger) scripts.Factory {
	return func(_ context.Context, config map[string]any) (scripts.Plugin, error) {
		level := zerolog.InfoLevel
		if s := stringConfig(config, "level"); s != "" {
			parsed, err := zerolog.ParseLevel(s)
			if err != nil {
				return nil, err
			}
			level = parsed
		}
		return scripts.Adapt(&Logger{
			logger: logger.With().Str("component", "DestinationLogger").Logger(),
			level:  level,
		}), nil
	}
}

func (l *Logger) Page(_ context.Context, env *envelope.Envelope) error     { return l.log(env) }
func (l *Logger) Track(_ context.Context, env *envelope.Envelope) error    { return l.log(env) }
func (l *Logger) Identify(_ context.Context, env *envelope.Envelope) error { return l.log(env) }
func (l *Logger) Group(_ context.Context, env *envelope.Envelope) error    { return l.log(env) }

func (l *Logger) log(env *envelope.Envelope) error {
	l.logger.WithLevel(l.level).
		Str("type", string(env.Type)).
		Str("event", env.Event).
		Str("message_id", env.MessageID).
		Str("anonymous_id", env.AnonymousID).
		Str("user_id", env.UserID).
		Interface("properties", env.Properties).
		Msg("Destination event.")
	return nil
}
