package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBus_PublishOrder(t *testing.T) {
	bus := NewBus(time.Second, zap.NewNop())

	var got []int
	for i := 1; i <= 3; i++ {
		i := i
		_, err := bus.Subscribe(PostConnect, func(Event) { got = append(got, i) })
		require.NoError(t, err)
	}

	bus.Publish(Event{Kind: PostConnect, SessionID: "abc"})
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestBus_OnlyMatchingKind(t *testing.T) {
	bus := NewBus(time.Second, zap.NewNop())

	var pre, post int
	_, err := bus.Subscribe(PreConnect, func(Event) { pre++ })
	require.NoError(t, err)
	_, err = bus.Subscribe(PostConnect, func(Event) { post++ })
	require.NoError(t, err)

	bus.Publish(Event{Kind: PreConnect})
	assert.Equal(t, 1, pre)
	assert.Equal(t, 0, post)
}

func TestBus_LateSubscriberMissesEvents(t *testing.T) {
	bus := NewBus(time.Second, zap.NewNop())
	bus.Publish(Event{Kind: SOO})

	var count int
	_, err := bus.Subscribe(SOO, func(Event) { count++ })
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(time.Second, zap.NewNop())

	var a, b int
	subA, err := bus.Subscribe(S, func(Event) { a++ })
	require.NoError(t, err)
	_, err = bus.Subscribe(S, func(Event) { b++ })
	require.NoError(t, err)

	bus.Unsubscribe(subA)
	bus.Unsubscribe(subA)
	bus.Publish(Event{Kind: S})

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, 1, bus.Count(S))
}

func TestBus_UnknownKind(t *testing.T) {
	bus := NewBus(time.Second, zap.NewNop())

	_, err := bus.Subscribe(Kind("bogus"), func(Event) {})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestBus_SlowListenerDoesNotBlock(t *testing.T) {
	bus := NewBus(20*time.Millisecond, zap.NewNop())

	release := make(chan struct{})
	defer close(release)

	var mu sync.Mutex
	var second bool
	_, err := bus.Subscribe(G, func(Event) { <-release })
	require.NoError(t, err)
	_, err = bus.Subscribe(G, func(Event) {
		mu.Lock()
		second = true
		mu.Unlock()
	})
	require.NoError(t, err)

	start := time.Now()
	bus.Publish(Event{Kind: G})
	assert.Less(t, time.Since(start), time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, second)
}

func TestBus_ListenerPanicRecovered(t *testing.T) {
	bus := NewBus(time.Second, zap.NewNop())

	var after bool
	_, err := bus.Subscribe(P, func(Event) { panic("boom") })
	require.NoError(t, err)
	_, err = bus.Subscribe(P, func(Event) { after = true })
	require.NoError(t, err)

	assert.NotPanics(t, func() { bus.Publish(Event{Kind: P}) })
	assert.True(t, after)
}

func TestBus_TimestampDefaulted(t *testing.T) {
	bus := NewBus(time.Second, zap.NewNop())

	var ts time.Time
	_, err := bus.Subscribe(SS, func(ev Event) { ts = ev.Timestamp })
	require.NoError(t, err)

	bus.Publish(Event{Kind: SS})
	assert.False(t, ts.IsZero())
}

func TestEvent_Arg(t *testing.T) {
	ev := Event{Args: []json.RawMessage{json.RawMessage(`{"key":"k"}`)}}

	var v struct {
		Key string `json:"key"`
	}
	require.NoError(t, ev.Arg(0, &v))
	assert.Equal(t, "k", v.Key)
	assert.ErrorIs(t, ev.Arg(1, &v), ErrNoArgument)
}

func TestKind_Valid(t *testing.T) {
	assert.True(t, Sigil.Valid())
	assert.True(t, DoneConnect.Valid())
	assert.False(t, Kind("_B").Valid())
}
