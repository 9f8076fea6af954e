package api

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/dispatch"
	"github.com/voxchat/voxd/internal/event"
	"github.com/voxchat/voxd/internal/eventlog"
)

// fakeBroadcaster implements dispatch.Broadcaster for handler tests, recording what was sent instead of
// delivering it over a real connection.
type fakeBroadcaster struct {
	broadcasts []event.Event
	targeted   map[int64][]event.Event
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{targeted: make(map[int64][]event.Event)}
}

func (b *fakeBroadcaster) Broadcast(evt event.Event) {
	b.broadcasts = append(b.broadcasts, evt)
}

func (b *fakeBroadcaster) SendToUsers(userIDs []int64, evt event.Event) {
	for _, id := range userIDs {
		b.targeted[id] = append(b.targeted[id], evt)
	}
}

// fakeEventLog implements eventlog.Repository for handler tests.
type fakeEventLog struct {
	nextID  int64
	entries []json.RawMessage
}

func (l *fakeEventLog) Append(_ context.Context, _ string, payload json.RawMessage, _ int64) (int64, error) {
	l.nextID++
	l.entries = append(l.entries, payload)
	return l.nextID, nil
}

func (l *fakeEventLog) Since(_ context.Context, _ int64, _ []string, _ int) ([]eventlog.Entry, bool, error) {
	return nil, false, nil
}

func (l *fakeEventLog) DeleteOlderThan(_ context.Context, _ int64) (int64, error) {
	return 0, nil
}

func newTestDispatcher() (*dispatch.Dispatcher, *fakeBroadcaster) {
	b := newFakeBroadcaster()
	return dispatch.New(b, &fakeEventLog{}, zerolog.Nop()), b
}
