/*
Package events provides the node-local event broker.

Components publish what they observe (plugins enabled, services started or
failed, routes poisoned, nodes going offline, replicaset masters changing,
migration locks lost) and any number of subscribers receive every event.
Events are node local: they describe what this node saw, and are never
replicated.

# Delivery

	Publish ──▶ queue (100) ──▶ broadcast loop ──▶ subscriber (50 each)

Publish never blocks. It is called from FSM watchers, which run on the
log apply path. A full queue drops the event with a warning, and a full
subscriber misses the event. Consumers that need exact state re-read the
store instead of relying on events alone.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{
		Type:     events.EventNodeOffline,
		Message:  "node i2 marked offline",
		Metadata: map[string]string{"node_id": "i2"},
	})

	for ev := range sub {
		fmt.Println(ev.Type, ev.Metadata["node_id"])
	}

Event IDs are random UUIDs assigned by Publish when empty.
*/
package events
