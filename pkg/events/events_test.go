package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus()

	var got []Type
	bus.Subscribe(func(e Event) { got = append(got, e.Type) })

	bus.Publish(Event{Type: RunStarted})
	bus.Publish(Event{Type: IssueStarted})
	bus.Publish(Event{Type: RunCompleted})

	assert.Equal(t, []Type{RunStarted, IssueStarted, RunCompleted}, got)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	bus := NewBus()

	var before, after int
	bus.Subscribe(func(Event) { before++ })
	bus.Subscribe(func(Event) { panic("subscriber bug") })
	bus.Subscribe(func(Event) { after++ })

	// Must not panic, and the surrounding subscribers still get both
	// events.
	bus.Publish(Event{Type: IssueStarted})
	bus.Publish(Event{Type: IssueCompleted})

	assert.Equal(t, 2, before)
	assert.Equal(t, 2, after)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	var kept, dropped int
	bus.Subscribe(func(Event) { kept++ })
	unsubscribe := bus.Subscribe(func(Event) { dropped++ })

	bus.Publish(Event{Type: RunStarted})
	unsubscribe()
	bus.Publish(Event{Type: RunCompleted})

	assert.Equal(t, 2, kept)
	assert.Equal(t, 1, dropped, "no delivery after unsubscribe")

	// Unsubscribing twice is harmless.
	unsubscribe()
	bus.Publish(Event{Type: IssueStarted})
	assert.Equal(t, 3, kept)
	assert.Equal(t, 1, dropped)
}

func TestPublishStampsTimestamp(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(func(e Event) { got = e })
	bus.Publish(Event{Type: RunStarted})

	assert.False(t, got.Timestamp.IsZero())
}

func TestJournalRoundTrip(t *testing.T) {
	j, err := NewJournal(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	bus := NewBus()
	bus.Subscribe(j.Subscriber())

	bus.Publish(Event{Type: RunStarted, RunID: "run1", Total: 3})
	bus.Publish(Event{
		Type:     IssueCompleted,
		RunID:    "run1",
		IssueURL: "https://example.com/r/issues/1",
		CostUSD:  0.42,
		Counts:   &Counts{Completed: 1, Pending: 2, Total: 3},
	})

	got, err := j.ReadDay(time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, RunStarted, got[0].Type)
	assert.Equal(t, IssueCompleted, got[1].Type)
	assert.InDelta(t, 0.42, got[1].CostUSD, 1e-9)
	require.NotNil(t, got[1].Counts)
	assert.Equal(t, 1, got[1].Counts.Completed)
}

func TestJournalMissingDay(t *testing.T) {
	j, err := NewJournal(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	got, err := j.ReadDay(time.Now().AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Nil(t, got)
}
