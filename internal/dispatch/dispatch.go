// Package dispatch is the single entry point REST handlers use to push a
// domain event out over the gateway and, for syncable event types, append it
// to the durable catch-up log.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/event"
	"github.com/voxchat/voxd/internal/eventlog"
)

// Broadcaster is the subset of the gateway hub's API dispatch needs. Kept as
// an interface so this package never imports the gateway package directly.
type Broadcaster interface {
	Broadcast(evt event.Event)
	SendToUsers(userIDs []int64, evt event.Event)
}

// Dispatcher fans events out to connected clients and, when applicable,
// records them for offline catch-up.
type Dispatcher struct {
	hub Broadcaster
	log eventlog.Repository
	clock func() time.Time
	zlog  zerolog.Logger
}

// New creates a Dispatcher whose clock is time.Now; tests may replace the clock field.
func New(hub Broadcaster, log eventlog.Repository, zlog zerolog.Logger) *Dispatcher {
	return &Dispatcher{hub: hub, log: log, clock: time.Now, zlog: zlog}
}

// Dispatch delivers evt to the given recipients (or to everyone when
// userIDs is nil) and, if evt.Type belongs to a syncable category, appends
// it to the durable event log first.
func (d *Dispatcher) Dispatch(ctx context.Context, evt event.Event, userIDs []int64) error {
	if _, syncable := event.Syncable(evt.Type); syncable {
		payload, err := json.Marshal(evt.Data)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		if _, err := d.log.Append(ctx, string(evt.Type), payload, d.clock().UnixMilli()); err != nil {
			return fmt.Errorf("append event log: %w", err)
		}
	}

	if userIDs == nil {
		d.hub.Broadcast(evt)
		return nil
	}
	d.hub.SendToUsers(userIDs, evt)
	return nil
}
