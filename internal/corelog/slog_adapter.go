package corelog

import (
	"context"
	"log/slog"
)

// SlogAdapter writes events to a *slog.Logger at debug level. Useful
// for development and for daemons that already centralize logging
// through slog.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter wraps logger as a corelog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event as a single debug-level slog record.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.ConnectionID != "" {
		attrs = append(attrs, slog.String("conn_id", event.ConnectionID))
	}
	if event.DeviceID != "" {
		attrs = append(attrs, slog.String("device_id", event.DeviceID))
	}

	switch {
	case event.Packet != nil:
		attrs = append(attrs,
			slog.String("direction", event.Direction.String()),
			slog.String("packet_type", event.Packet.Type),
			slog.Int64("packet_id", event.Packet.ID),
		)
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Pairing != nil:
		attrs = append(attrs,
			slog.Bool("paired", event.Pairing.Paired),
			slog.Bool("unsolicited", event.Pairing.Unsolicited),
			slog.Bool("timed_out", event.Pairing.TimedOut),
		)
	case event.Err != nil:
		attrs = append(attrs,
			slog.String("error", event.Err.Message),
			slog.String("context", event.Err.Context),
		)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "device-core", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
