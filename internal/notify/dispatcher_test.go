package notify

import (
	"context"
	"errors"
	"testing"

	"aaronromeo.com/identityswitch/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	payloads []Payload
	err      error
}

func (s *recordingSink) Deliver(_ context.Context, p Payload) error {
	s.payloads = append(s.payloads, p)
	return s.err
}

func newStore() *cache.Store {
	all := cache.Flags{Enabled: true, Notify: cache.NotifyFlags{Basic: true, Desktop: true, Sound: true}}
	s := cache.New(cache.DefaultConfig())
	s.Seed(map[int]cache.Identity{
		1: {Label: "home", Flags: all, Unseen: 2, NotifyTimeout: 10, Notify: true},
		2: {Label: "work", Flags: all, Unseen: 5, NotifyTimeout: 20, Notify: true},
		3: {Label: "quiet", Flags: cache.Flags{Enabled: true}, Unseen: 1, Notify: true},
		4: {Label: "idle", Flags: all, Unseen: 9},
	})
	return s
}

func TestDispatch(t *testing.T) {
	store := newStore()
	sink := &recordingSink{}
	d := New(WithSink(sink))

	p := d.Dispatch(context.Background(), store)

	assert.Equal(t, "New mail", p.Title)
	require.Len(t, p.Accounts, 4)

	home, work, quiet, idle := p.Accounts[0], p.Accounts[1], p.Accounts[2], p.Accounts[3]
	assert.True(t, home.Basic)
	assert.True(t, home.Sound)
	assert.True(t, home.Active)
	assert.Equal(t, &Desktop{Text: "2 unread message(s) for home", Timeout: 10}, home.Desktop)

	// basic and sound are emitted once per dispatch
	assert.False(t, work.Basic)
	assert.False(t, work.Sound)
	assert.Equal(t, &Desktop{Text: "5 unread message(s) for work", Timeout: 20}, work.Desktop)

	assert.False(t, quiet.Notified())
	assert.False(t, idle.Notified())
	assert.Equal(t, 9, idle.Unseen)

	for _, iid := range store.IDs() {
		rec, _ := store.Lookup(iid)
		assert.False(t, rec.Notify, "identity %d still pending", iid)
	}

	require.Len(t, sink.payloads, 1)
	assert.Len(t, sink.payloads[0].Notified(), 2)

	// nothing pending: no delivery, counts still reported
	again := d.Dispatch(context.Background(), store)
	assert.Empty(t, again.Notified())
	assert.Len(t, again.Accounts, 4)
	assert.Len(t, sink.payloads, 1)
}

func TestDispatchSinkErrorIsAbsorbed(t *testing.T) {
	sink := &recordingSink{err: errors.New("webhook down")}
	p := New(WithSink(sink)).Dispatch(context.Background(), newStore())
	assert.Len(t, p.Notified(), 2)
}

func TestDispatchLocalized(t *testing.T) {
	store := newStore()
	store.Config().Language = "de"
	p := New().Dispatch(context.Background(), store)
	assert.Equal(t, "Neue Nachrichten", p.Title)
	assert.Equal(t, "2 ungelesene Nachricht(en) für home", p.Accounts[0].Desktop.Text)
}

func TestCountsLeavesNotifyPending(t *testing.T) {
	store := newStore()
	p := Counts(store)
	assert.Len(t, p.Accounts, 4)
	assert.Empty(t, p.Notified())

	rec, _ := store.Lookup(1)
	assert.True(t, rec.Notify)
}
