// Copyright 2026 The chatmesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/core"
	"github.com/nats-io/nats.go"
)

// subjectPrefixes topic name to JetStream subject prefix
var subjectPrefixes = map[string]string{
	TopicRoomEvents:    "chat.rooms",
	TopicMessageEvents: "chat.messages",
}

// SubjectForEvent the JetStream subject an event is published on. The room
// name is the final subject token, which is what partitions the log per room.
func SubjectForEvent(event Event) string {
	return fmt.Sprintf("%s.%s", subjectPrefixes[event.Topic()], event.TargetRoom())
}

// StreamParams data retention settings for one event log stream
type StreamParams struct {
	// MaxAge log retention period
	MaxAge time.Duration
	// DuplicateWindow broker-side publish dedup window for repeated event IDs
	DuplicateWindow time.Duration
}

// EnsureStream create the JetStream stream backing a topic if it does not
// already exist. A missing event log at startup is fatal for the caller.
func EnsureStream(natsClient *core.NatsClient, topic string, param StreamParams) error {
	logTags := log.Fields{
		"module": "eventlog", "component": "stream-admin", "stream": topic,
	}
	prefix, ok := subjectPrefixes[topic]
	if !ok {
		err := fmt.Errorf("unknown event log topic '%s'", topic)
		log.WithError(err).WithFields(logTags).Error("Unable to provision stream")
		return err
	}
	config := nats.StreamConfig{
		Name:       topic,
		Subjects:   []string{fmt.Sprintf("%s.>", prefix)},
		MaxAge:     param.MaxAge,
		Duplicates: param.DuplicateWindow,
	}
	if _, err := natsClient.JetStream().AddStream(&config); err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			log.WithFields(logTags).Debug("Stream already exists")
			return nil
		}
		log.WithError(err).WithFields(logTags).Error("Unable to provision stream")
		return common.NewDependencyError("event-log", "ensure-stream", err)
	}
	log.WithFields(logTags).Infof("Provisioned stream with subjects %s", config.Subjects)
	return nil
}

// ==============================================================================

// Publisher appends new events into the event log
type Publisher interface {
	// Append append an event to the log. Failures are retried with backoff,
	// and once the retries are exhausted a dependency error is returned.
	Append(ctxt context.Context, event Event) error
}

// jetStreamPublisherImpl implements Publisher
type jetStreamPublisherImpl struct {
	common.Component
	nats  *core.NatsClient
	retry common.RetryParams
}

// GetJetStreamPublisher get new event log Publisher
func GetJetStreamPublisher(
	natsClient *core.NatsClient, instance string, retry common.RetryParams,
) (Publisher, error) {
	logTags := log.Fields{
		"module": "eventlog", "component": "js-publisher", "instance": instance,
	}
	return &jetStreamPublisherImpl{
		Component: common.Component{LogTags: logTags}, nats: natsClient, retry: retry,
	}, nil
}

// Append append an event to the log
func (s *jetStreamPublisherImpl) Append(ctxt context.Context, event Event) error {
	localLogTags := common.UpdateLogTags(ctxt, s.LogTags)
	if err := event.Validate(); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Refusing to append event")
		return err
	}
	payload, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to serialize event")
		return err
	}
	subject := SubjectForEvent(event)
	err = common.RetryOnError(ctxt, s.retry, func() error {
		return s.publishOnce(ctxt, subject, event.ID, payload)
	})
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Append of %s to %s failed after %d attempts",
			event.ID, subject, s.retry.MaxAttempts,
		)
		return common.NewDependencyError("event-log", "append", err)
	}
	return nil
}

// publishOnce one JetStream publish attempt. The event ID rides along as the
// NATS message ID, so a retried publish of the same event dedups broker-side.
func (s *jetStreamPublisherImpl) publishOnce(
	ctxt context.Context, subject, eventID string, payload []byte,
) error {
	ack, err := s.nats.JetStream().PublishAsync(subject, payload, nats.MsgId(eventID))
	if err != nil {
		return err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			return fmt.Errorf("reading nats.PubAckFuture OK channel failure")
		}
		log.WithFields(s.LogTags).Debugf(
			"Appended [%d] to %s/%s", goodSig.Sequence, goodSig.Stream, subject,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			return fmt.Errorf("reading nats.PubAckFuture error channel failure")
		}
		return txErr
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// ==============================================================================

// AckFunc acknowledge a delivered record. Records not acknowledged before the
// ACK deadline are redelivered, which is what makes processing at-least-once.
type AckFunc func() error

// ForwardEventHandlerCB callback used to hand received events to the consumer
type ForwardEventHandlerCB func(ctxt context.Context, event Event, ack AckFunc) error

// AlertOnErrorCB callback used to expose internal error to an outer context for handling
type AlertOnErrorCB func(err error)

// GroupSubscriber reads one topic of the event log as part of a consumer
// group. Each record is handed to exactly one group member; redelivery after
// a crash before acknowledgment is expected.
type GroupSubscriber interface {
	// StartReading begin reading records from the event log
	StartReading(forwardCB ForwardEventHandlerCB, errorCB AlertOnErrorCB, wg *sync.WaitGroup) error
}

// jetStreamGroupSubscriberImpl implements GroupSubscriber
type jetStreamGroupSubscriberImpl struct {
	common.Component
	nats      *core.NatsClient
	reading   bool
	sub       *nats.Subscription
	forwardCB ForwardEventHandlerCB
	errorCB   AlertOnErrorCB
	lock      *sync.Mutex
	ctxt      context.Context
}

// GetJetStreamGroupSubscriber define new GroupSubscriber against one topic
func GetJetStreamGroupSubscriber(
	ctxt context.Context,
	natsClient *core.NatsClient,
	topic, group string,
	ackWait time.Duration,
) (GroupSubscriber, error) {
	logTags := log.Fields{
		"module":    "eventlog",
		"component": "js-group-subscriber",
		"stream":    topic,
		"group":     group,
	}
	prefix, ok := subjectPrefixes[topic]
	if !ok {
		err := fmt.Errorf("unknown event log topic '%s'", topic)
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber")
		return nil, err
	}
	sub, err := natsClient.JetStream().QueueSubscribeSync(
		fmt.Sprintf("%s.>", prefix),
		group,
		nats.Durable(group),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.DeliverAll(),
		nats.BindStream(topic),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription")
		return nil, common.NewDependencyError("event-log", "subscribe", err)
	}
	return &jetStreamGroupSubscriberImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		sub:       sub,
		lock:      &sync.Mutex{},
		ctxt:      ctxt,
	}, nil
}

// StartReading begin reading records from the event log
func (r *jetStreamGroupSubscriberImpl) StartReading(
	forwardCB ForwardEventHandlerCB, errorCB AlertOnErrorCB, wg *sync.WaitGroup,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	// Already reading
	if r.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reading")
		return err
	}
	wg.Add(1)
	r.forwardCB = forwardCB
	r.errorCB = errorCB
	r.reading = true
	go func() {
		defer wg.Done()
		log.WithFields(r.LogTags).Infof("Starting event log read loop")
		defer log.WithFields(r.LogTags).Infof("Stopping event log read loop")
		defer func() {
			if err := r.sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(r.LogTags).Error("Unsubscribe failed")
			}
		}()
		for {
			newMsg, err := r.sub.NextMsgWithContext(r.ctxt)
			if err != nil {
				if r.ctxt.Err() == nil {
					log.WithError(err).WithFields(r.LogTags).Errorf("Read failure")
					r.errorCB(err)
				}
				break
			}
			if newMsg == nil {
				continue
			}
			event, err := ParseEvent(newMsg.Data)
			if err != nil {
				// A malformed record can never become valid; drop it so it
				// does not wedge the partition.
				log.WithError(err).WithFields(r.LogTags).Errorf(
					"Discarding malformed record on %s", newMsg.Subject,
				)
				if err := newMsg.Ack(); err != nil {
					log.WithError(err).WithFields(r.LogTags).Error("ACK of bad record failed")
				}
				continue
			}
			ack := func() error { return newMsg.Ack() }
			if err := r.forwardCB(r.ctxt, event, ack); err != nil {
				// Not acknowledged. The record is redelivered after the ACK
				// deadline; other rooms' records keep flowing.
				log.WithError(err).WithFields(r.LogTags).Errorf(
					"Handler failed on event %s, leaving for redelivery", event.ID,
				)
			}
		}
	}()
	return nil
}
