package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitInvokesListenersInRegistrationOrder(t *testing.T) {
	em := NewEmitter()
	var order []string

	em.SubscribeAll(func(name string, _ Payload) { order = append(order, "all:"+name) })
	em.Subscribe("alertTriggered", func(_ string, _ Payload) { order = append(order, "first") })
	em.Subscribe("alertTriggered", func(_ string, _ Payload) { order = append(order, "second") })

	em.Emit("alertTriggered", Payload{"fight_id": "fight-1"})

	assert.Equal(t, []string{"all:alertTriggered", "first", "second"}, order)
}

func TestEmitOnlyReachesMatchingListeners(t *testing.T) {
	em := NewEmitter()
	calls := 0
	em.Subscribe("deliverySuccess", func(_ string, _ Payload) { calls++ })

	em.Emit("deliveryFailed", Payload{})
	assert.Zero(t, calls)

	em.Emit("deliverySuccess", Payload{})
	assert.Equal(t, 1, calls)
}

func TestListenerReceivesPayload(t *testing.T) {
	em := NewEmitter()
	var got Payload
	em.Subscribe("eventQueued", func(_ string, p Payload) { got = p })

	em.Emit("eventQueued", Payload{"message_id": "1-0"})
	assert.Equal(t, "1-0", got["message_id"])
}
