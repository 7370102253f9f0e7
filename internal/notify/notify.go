// Package notify announces device liveness transitions seen by the refresher.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Event is a change in whether a device is answering.
type Event struct {
	Device string    `json:"device"`
	Live   bool      `json:"live"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Notifier delivers liveness events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// LogNotifier writes events to a logger.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, e Event) error {
	if e.Live {
		n.logger.Info("device connection restored", "device", e.Device, "at", e.At)
		return nil
	}
	n.logger.Warn("device connection lost", "device", e.Device, "at", e.At, "reason", e.Reason)
	return nil
}

type multi []Notifier

// Multi fans an event out to every notifier and joins their errors.
func Multi(ns ...Notifier) Notifier {
	return multi(ns)
}

func (m multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
