package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOutAndDropWhenFull(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeCallDetected})
	b.Publish(Event{Type: TypeDeclineResult})

	require.Len(t, a, 1)
	require.Len(t, c, 2)
	first := <-a
	assert.Equal(t, TypeCallDetected, first.Type)
	assert.False(t, first.Time.IsZero())

	unsubA()
	unsubA()
	_, ok := <-a
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypeWatcherState})
	assert.Len(t, c, 3)
}

func TestPublishHelperNilBus(t *testing.T) {
	assert.NotPanics(t, func() { Publish(nil, TypeMaintenance, nil) })
}

func TestRingKeepsNewest(t *testing.T) {
	r := NewRing(3)
	assert.Empty(t, r.Recent())
	for _, typ := range []string{"a", "b", "c", "d"} {
		r.Add(Event{Type: typ})
	}
	got := r.Recent()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"b", "c", "d"}, []string{got[0].Type, got[1].Type, got[2].Type})
}
