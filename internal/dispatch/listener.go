package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/telemirror/telemirror/internal/mirror"
)

// Listener pumps live events from the messaging client into the hub. It is
// the one supervised task designated for auto-restart: losing it means losing
// the whole live stream.
type Listener struct {
	client mirror.Client
	hub    *Hub
	logger *zap.Logger
}

// NewListener builds the listener task.
func NewListener(client mirror.Client, hub *Hub, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{client: client, hub: hub, logger: logger}
}

// Name identifies the task in supervisor logs.
func (l *Listener) Name() string { return "live-listener" }

// Run receives events until the context finishes. The remote stream preserves
// order; dispatch happens inline so that ordering survives into the hub.
func (l *Listener) Run(ctx context.Context) error {
	for {
		evt, err := l.client.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("next live event: %w", err)
		}
		l.hub.Dispatch(evt)
	}
}
