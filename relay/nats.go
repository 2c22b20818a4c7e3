package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/core"
	"github.com/nats-io/nats.go"
)

const relaySubjectPrefix = "chat.relay.room"

// natsRelayImpl implements Relay over core NATS pub/sub. Core subjects give
// exactly the semantics wanted here: fan-out to all current subscribers, no
// persistence of missed events.
type natsRelayImpl struct {
	common.Component
	nats     *core.NatsClient
	instance string
	sub      *nats.Subscription
}

// GetNATSRelay define a NATS backed cross-instance relay
func GetNATSRelay(natsClient *core.NatsClient, instance string) (Relay, error) {
	logTags := log.Fields{
		"module": "relay", "component": "nats-relay", "instance": instance,
	}
	return &natsRelayImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		instance:  instance,
	}, nil
}

// relaySubject the NATS subject for a room's relay traffic
func relaySubject(room string) string {
	return fmt.Sprintf("%s.%s", relaySubjectPrefix, room)
}

// Publish broadcast an event to all other subscribed instances
func (r *natsRelayImpl) Publish(ctxt context.Context, event Event) error {
	event.Origin = r.instance
	payload, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to serialize relay event")
		return err
	}
	if err := r.nats.NATS().Publish(relaySubject(event.RoomName), payload); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to relay %s for %s", event.Kind, event.RoomName,
		)
		return common.NewDependencyError("relay", "publish", err)
	}
	log.WithFields(r.LogTags).Debugf("Relayed %s for %s", event.Kind, event.RoomName)
	return nil
}

// Subscribe register the handler for events from other instances
func (r *natsRelayImpl) Subscribe(handler EventHandlerCB) error {
	if r.sub != nil {
		return fmt.Errorf("already subscribed")
	}
	sub, err := r.nats.NATS().Subscribe(
		fmt.Sprintf("%s.>", relaySubjectPrefix), func(msg *nats.Msg) {
			var event Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				log.WithError(err).WithFields(r.LogTags).Errorf(
					"Discarding malformed relay event on %s", msg.Subject,
				)
				return
			}
			if event.Origin == r.instance {
				// Already delivered locally by this instance
				return
			}
			handler(event)
		},
	)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to subscribe to relay")
		return common.NewDependencyError("relay", "subscribe", err)
	}
	r.sub = sub
	log.WithFields(r.LogTags).Info("Subscribed to cross-instance relay")
	return nil
}

// Close tear down the subscription
func (r *natsRelayImpl) Close() {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Relay unsubscribe failed")
		}
		r.sub = nil
	}
}
