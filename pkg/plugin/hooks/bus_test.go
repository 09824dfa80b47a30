package hooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugind/pkg/logging"
)

func TestNewEventDerivesType(t *testing.T) {
	tests := []struct {
		payload Payload
		want    EventType
	}{
		{InstalledPayload{}, EventInstalled},
		{ActivatedPayload{}, EventActivated},
		{DeactivatedPayload{}, EventDeactivated},
		{UpdateQueuedPayload{}, EventUpdateQueued},
		{UpdateStartedPayload{}, EventUpdateStarted},
		{UpdatedPayload{}, EventUpdated},
		{UpdateCancelledPayload{}, EventUpdateCancelled},
		{ErrorPayload{}, EventError},
		{RemovedPayload{}, EventRemoved},
	}
	for _, tt := range tests {
		e := NewEvent("p1", tt.payload)
		assert.Equal(t, tt.want, e.Type)
		assert.Equal(t, "p1", e.PluginID)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Len(t, AllEventTypes(), len(tests))
}

func TestBusDeliversInOrderAndToWildcard(t *testing.T) {
	bus := NewBus(logging.NewNop())

	var got []string
	bus.Subscribe(EventActivated, func(e Event) { got = append(got, "first") })
	bus.Subscribe(EventActivated, func(e Event) { got = append(got, "second") })
	bus.Subscribe(EventAny, func(e Event) { got = append(got, "any:"+string(e.Type)) })
	bus.Subscribe(EventRemoved, func(e Event) { got = append(got, "removed") })

	bus.Emit(NewEvent("p1", ActivatedPayload{Version: "1.0.0"}))
	assert.Equal(t, []string{"first", "second", "any:plugin.activated"}, got)
}

func TestBusRecoversFromPanickingListener(t *testing.T) {
	bus := NewBus(logging.NewNop())

	called := false
	bus.Subscribe(EventError, func(Event) { panic("listener bug") })
	bus.Subscribe(EventError, func(e Event) {
		called = true
		payload, ok := e.Data.(ErrorPayload)
		require.True(t, ok)
		assert.True(t, payload.BackupRestored)
	})

	assert.NotPanics(t, func() {
		bus.Emit(NewEvent("p1", ErrorPayload{Op: "update", BackupRestored: true}))
	})
	assert.True(t, called)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(logging.NewNop())

	count := 0
	unsubscribe := bus.Subscribe(EventInstalled, func(Event) { count++ })
	bus.Subscribe(EventInstalled, func(Event) {})
	assert.Equal(t, 2, bus.ListenerCount(EventInstalled))

	bus.Emit(NewEvent("p1", InstalledPayload{}))
	unsubscribe()
	bus.Emit(NewEvent("p1", InstalledPayload{}))

	assert.Equal(t, 1, count)
	assert.Equal(t, 1, bus.ListenerCount(EventInstalled))
}
