// Package notify combines the notification channels available to the escrow
// service into a single escrow.Notifier.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/safehold/internal/escrow"
	"github.com/mbd888/safehold/internal/metrics"
)

// Channel is a named notification transport.
type Channel struct {
	Name     string
	Notifier escrow.Notifier
}

// Fanout delivers each notification on every channel. A failing channel does
// not stop the others; the joined error names each failure.
type Fanout struct {
	channels []Channel
	logger   *slog.Logger
}

// NewFanout creates a fanout over channels. Channels with a nil notifier are skipped.
func NewFanout(logger *slog.Logger, channels ...Channel) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{logger: logger}
	for _, ch := range channels {
		if ch.Notifier != nil {
			f.channels = append(f.channels, ch)
		}
	}
	return f
}

func (f *Fanout) Notify(ctx context.Context, n escrow.Notification) error {
	var errs []error
	for _, ch := range f.channels {
		if err := ch.Notifier.Notify(ctx, n); err != nil {
			metrics.NotificationFailuresTotal.WithLabelValues(ch.Name).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to the structured log. It is the delivery
// channel of last resort in development.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, n escrow.Notification) error {
	l.logger.InfoContext(ctx, "notification",
		"user_id", n.UserID,
		"title", n.Title,
		"escrow_id", n.Metadata["escrowId"],
	)
	return nil
}

var (
	_ escrow.Notifier = (*Fanout)(nil)
	_ escrow.Notifier = (*Log)(nil)
)
