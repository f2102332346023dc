package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dlcdevkit/ddk/envelope"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func testEvent(id, to string, kind int, createdAt int64) *envelope.Event {
	return &envelope.Event{
		ID:        id,
		PubKey:    "author",
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      []envelope.Tag{{"p", to}},
	}
}

// TestFilterMatches covers every filter field.
func TestFilterMatches(t *testing.T) {
	t.Parallel()

	ev := testEvent("1", "bob", envelope.KindDLC, 100)

	tests := []struct {
		name   string
		filter Filter
		match  bool
	}{
		{"empty", Filter{}, true},
		{"dlc to bob", DLCFilter("bob", 0), true},
		{"dlc to alice", DLCFilter("alice", 0), false},
		{"wrong kind", Filter{Kinds: []int{4}}, false},
		{"author", Filter{Authors: []string{"author"}}, true},
		{"other author", Filter{Authors: []string{"x"}}, false},
		{"since equal", Filter{Since: 100}, true},
		{"since later", Filter{Since: 101}, false},
	}
	for _, test := range tests {
		require.Equal(t, test.match, test.filter.Matches(ev), test.name)
	}
}

func recvEvent(t *testing.T, tr Transport) *envelope.Event {
	t.Helper()

	for {
		select {
		case item, ok := <-tr.Receive():
			require.True(t, ok, "receive stream closed")
			if item.Event != nil {
				return item.Event
			}

		case <-time.After(testTimeout):
			t.Fatalf("no event received")
		}
	}
}

// TestMemoryTransport asserts events reach matching subscribers only and that
// late subscribers get stored events.
func TestMemoryTransport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := NewBus()

	alice := bus.Connect("alice")
	bob := bus.Connect("bob")

	require.ErrorIs(t, alice.Publish(ctx, &envelope.Event{}), ErrNotStarted)

	require.NoError(t, alice.Start(ctx))
	require.NoError(t, alice.Start(ctx))
	require.NoError(t, bob.Start(ctx))
	defer alice.Stop()
	defer bob.Stop()

	// The first item of a started transport is its connect status.
	select {
	case item := <-bob.Receive():
		require.NotNil(t, item.Status)
		require.Equal(t, StatusConnected, item.Status.Status)
	case <-time.After(testTimeout):
		t.Fatalf("no status item")
	}

	// Published before bob subscribes, replayed on subscribe.
	early := testEvent("early", "bob", envelope.KindDLC, 1)
	require.NoError(t, alice.Publish(ctx, early))

	require.NoError(t, bob.Subscribe(DLCFilter("bob", 0)))
	require.Equal(t, "early", recvEvent(t, bob).ID)

	// Not addressed to bob.
	require.NoError(t, alice.Publish(
		ctx, testEvent("other", "carol", envelope.KindDLC, 2),
	))
	require.NoError(t, alice.Publish(
		ctx, testEvent("late", "bob", envelope.KindDLC, 3),
	))
	require.Equal(t, "late", recvEvent(t, bob).ID)

	require.NoError(t, bob.Stop())
	require.NoError(t, bob.Stop())

	_, ok := <-bob.Receive()
	require.False(t, ok)
	require.ErrorIs(t, bob.Subscribe(Filter{}), ErrStopped)
}

// flakyTransport fails the first failures publishes with err.
type flakyTransport struct {
	*MemoryTransport

	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flakyTransport) Publish(ctx context.Context,
	ev *envelope.Event) error {

	if f.calls.Add(1) <= f.failures {
		return f.err
	}

	return f.MemoryTransport.Publish(ctx, ev)
}

func newFlaky(t *testing.T, failures int32, err error) *flakyTransport {
	t.Helper()

	m := NewBus().Connect("flaky")
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	return &flakyTransport{MemoryTransport: m, failures: failures, err: err}
}

// TestPublishWithRetry covers recovery within the budget, exhaustion and
// non-retryable auth failures.
func TestPublishWithRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ev := testEvent("1", "bob", envelope.KindDLC, 1)
	errBroken := errors.New("broken pipe")

	cfg := PublishConfig{Timeout: time.Second, Attempts: 3}

	flaky := newFlaky(t, 2, errBroken)
	require.NoError(t, PublishWithRetry(ctx, flaky, ev, cfg))
	require.EqualValues(t, 3, flaky.calls.Load())

	flaky = newFlaky(t, 3, errBroken)
	err := PublishWithRetry(ctx, flaky, ev, cfg)
	require.ErrorIs(t, err, ErrPublishFailed)
	require.ErrorIs(t, err, errBroken)
	require.EqualValues(t, 3, flaky.calls.Load())

	flaky = newFlaky(t, 3, ErrAuthFailed)
	err = PublishWithRetry(ctx, flaky, ev, cfg)
	require.ErrorIs(t, err, ErrAuthFailed)
	require.EqualValues(t, 1, flaky.calls.Load())

	require.Error(t, PublishWithRetry(ctx, flaky, ev, PublishConfig{}))
}

// TestBackoffBounds asserts reconnect delays stay within the jittered cap and
// never stop.
func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	b := Backoff()

	maxDelay := ReconnectCap + ReconnectCap*ReconnectJitterPercent/100
	minFirst := ReconnectBase - ReconnectBase*ReconnectJitterPercent/100

	for i := 0; i < 100; i++ {
		next, stop := b.Next()
		require.False(t, stop)
		require.LessOrEqual(t, next, maxDelay)

		if i == 0 {
			require.GreaterOrEqual(t, next, minFirst)
		}
	}
}

// TestDecodeRelayFrames decodes frames as relays send them.
func TestDecodeRelayFrames(t *testing.T) {
	t.Parallel()

	ok, err := DecodeRelayMessage([]byte(
		`["OK","abcd",false,"auth-required: sign in first"]`,
	))
	require.NoError(t, err)
	require.Equal(t, LabelOK, ok.Label)
	require.Equal(t, "abcd", ok.EventID)
	require.False(t, ok.OK)
	require.True(t, ok.IsAuthRequired())

	// The OK message part is optional.
	ok, err = DecodeRelayMessage([]byte(`["OK","abcd",true]`))
	require.NoError(t, err)
	require.True(t, ok.OK)
	require.False(t, ok.IsAuthRequired())

	req, err := DecodeRelayMessage([]byte(
		`["REQ","sub1",{"kinds":[1],"#p":["bob"],"since":100},` +
			`{"authors":["alice"]}]`,
	))
	require.NoError(t, err)
	require.Equal(t, "sub1", req.SubID)
	require.Len(t, req.Filters, 2)
	require.Equal(t, DLCFilter("bob", 100), req.Filters[0])
	require.Equal(t, []string{"alice"}, req.Filters[1].Authors)

	ev, err := DecodeRelayMessage([]byte(
		`["EVENT","sub1",{"id":"1","pubkey":"alice","created_at":5,` +
			`"kind":1,"tags":[["p","bob"]],"content":"x",` +
			`"sig":"00"}]`,
	))
	require.NoError(t, err)
	require.Equal(t, "sub1", ev.SubID)
	require.Equal(t, "1", ev.Event.ID)
	require.Equal(t, envelope.KindDLC, ev.Event.Kind)

	// A relay bound EVENT has no subscription id.
	out, err := (&RelayMessage{Label: LabelEvent, Event: ev.Event}).Encode()
	require.NoError(t, err)
	back, err := DecodeRelayMessage(out)
	require.NoError(t, err)
	require.Empty(t, back.SubID)
	require.Equal(t, ev.Event.ID, back.Event.ID)

	for _, bad := range []string{
		`{"label":"OK"}`,
		`["OK"]`,
		`["OK","abcd","yes"]`,
		`["PING","x"]`,
		`["EOSE","sub1","extra"]`,
	} {
		_, err := DecodeRelayMessage([]byte(bad))
		require.ErrorIs(t, err, ErrBadRelayMessage, bad)
	}

	_, err = (&RelayMessage{Label: LabelEvent}).Encode()
	require.ErrorIs(t, err, ErrBadRelayMessage)
}

// TestRelayFrameRoundTrip asserts every frame kind decodes to what was
// encoded.
func TestRelayFrameRoundTrip(t *testing.T) {
	t.Parallel()

	ev := testEvent("1", "bob", envelope.KindDLC, 100)

	msgs := []*RelayMessage{
		{Label: LabelEvent, SubID: "sub1", Event: ev},
		{Label: LabelEvent, Event: ev},
		{
			Label:   LabelReq,
			SubID:   "sub1",
			Filters: []Filter{DLCFilter("bob", 100)},
		},
		{Label: LabelClose, SubID: "sub1"},
		{Label: LabelEOSE, SubID: "sub1"},
		{Label: LabelOK, EventID: "1", OK: true, Message: ""},
		{Label: LabelOK, EventID: "1", Message: "blocked: spam"},
		{Label: LabelClosed, SubID: "sub1", Message: "error: gone"},
		{Label: LabelNotice, Message: "slow down"},
		{Label: LabelAuth, Message: "challenge"},
	}
	for _, msg := range msgs {
		b, err := msg.Encode()
		require.NoError(t, err, msg.Label)

		back, err := DecodeRelayMessage(b)
		require.NoError(t, err, string(b))
		require.Equal(t, msg, back, string(b))
	}

	// A REQ without filters subscribes to everything.
	req, err := DecodeRelayMessage([]byte(`["REQ","sub1"]`))
	require.NoError(t, err)
	require.Equal(t, []Filter{{}}, req.Filters)
}
