package websocket

import (
	"time"

	"github.com/rs/zerolog"
)

// LoggingHandler decorates an EventHandler with structured zerolog tracing
// of every event, the way tzrikka-timpani's temporal.LogAdapter decorates a
// logging interface rather than replacing it. The wrapped handler still
// receives every call unchanged.
type LoggingHandler struct {
	Next   EventHandler
	Logger zerolog.Logger
}

// NewLoggingHandler wraps next with logger. next may be nil.
func NewLoggingHandler(next EventHandler, logger zerolog.Logger) *LoggingHandler {
	if next == nil {
		next = NoopHandler{}
	}
	return &LoggingHandler{Next: next, Logger: logger}
}

func (h *LoggingHandler) StateChanged(state ConnectionState) {
	h.Logger.Info().Str("state", state.String()).Msg("connection state changed")
	h.Next.StateChanged(state)
}

func (h *LoggingHandler) MessageText(data []byte) {
	h.Logger.Debug().Int("bytes", len(data)).Msg("text message received")
	h.Next.MessageText(data)
}

func (h *LoggingHandler) MessageBinary(data []byte) {
	h.Logger.Debug().Int("bytes", len(data)).Msg("binary message received")
	h.Next.MessageBinary(data)
}

func (h *LoggingHandler) Pong(delay time.Duration) {
	h.Logger.Debug().Dur("delay", delay).Msg("pong received")
	h.Next.Pong(delay)
}

func (h *LoggingHandler) Error(err error) {
	h.Logger.Warn().Err(err).Msg("connection error")
	h.Next.Error(err)
}

func (h *LoggingHandler) Closed(code CloseCode, reason string) {
	h.Logger.Info().Int("code", int(code)).Str("reason", reason).Str("code_name", code.String()).Msg("connection closed")
	h.Next.Closed(code, reason)
}
