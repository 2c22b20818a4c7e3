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

package persistence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/eventlog"
)

// Consumer the consumer-group reader of both event log topics. Each record is
// acknowledged only after its durable write succeeds, so a crash mid-write
// results in redelivery, and the store's idempotent writes absorb the repeat.
type Consumer struct {
	common.Component
	store     Store
	roomSub   eventlog.GroupSubscriber
	msgSub    eventlog.GroupSubscriber
	processed uint64
	failed    uint64
	healthy   int32
}

// GetConsumer define a new persistence Consumer
func GetConsumer(
	store Store, roomSub, msgSub eventlog.GroupSubscriber, instance string,
) (*Consumer, error) {
	logTags := log.Fields{
		"module": "persistence", "component": "consumer", "instance": instance,
	}
	return &Consumer{
		Component: common.Component{LogTags: logTags},
		store:     store,
		roomSub:   roomSub,
		msgSub:    msgSub,
		healthy:   1,
	}, nil
}

// Start begin draining both topics
func (c *Consumer) Start(wg *sync.WaitGroup) error {
	if err := c.roomSub.StartReading(c.processRecord, c.alertOnError, wg); err != nil {
		return err
	}
	return c.msgSub.StartReading(c.processRecord, c.alertOnError, wg)
}

// Healthy whether both read loops are still believed operational
func (c *Consumer) Healthy() bool {
	return atomic.LoadInt32(&c.healthy) == 1
}

// ReportStatus log consumer progress; called periodically by the composition root
func (c *Consumer) ReportStatus() error {
	log.WithFields(c.LogTags).Infof(
		"Processed %d records, %d handler failures",
		atomic.LoadUint64(&c.processed), atomic.LoadUint64(&c.failed),
	)
	return nil
}

// processRecord handle one record off either topic
func (c *Consumer) processRecord(
	ctxt context.Context, event eventlog.Event, ack eventlog.AckFunc,
) error {
	var err error
	switch event.Type {
	case eventlog.EventTypeCreateRoom:
		err = c.store.UpsertRoom(ctxt, event.Room.Name, event.Timestamp)
	case eventlog.EventTypeSendMessage:
		err = c.store.SaveMessage(
			ctxt, event.ID, event.RoomName, event.Username, event.Content, event.Timestamp,
		)
	default:
		// Unknown types are acknowledged and skipped; redelivery would not
		// make them processable.
		log.WithFields(c.LogTags).Warnf(
			"Skipping record %s with unknown type '%s'", event.ID, event.Type,
		)
		return ack()
	}
	if err != nil {
		atomic.AddUint64(&c.failed, 1)
		return fmt.Errorf("durable write for event %s failed: %w", event.ID, err)
	}
	atomic.AddUint64(&c.processed, 1)
	if err := ack(); err != nil {
		// The write is durable but the offset is not committed; the record
		// will be redelivered and dedupped by the store.
		log.WithError(err).WithFields(c.LogTags).Warnf(
			"ACK of event %s failed, expecting redelivery", event.ID,
		)
	}
	return nil
}

// alertOnError record that a read loop hit a failure
func (c *Consumer) alertOnError(err error) {
	atomic.StoreInt32(&c.healthy, 0)
	log.WithError(err).WithFields(c.LogTags).Error("Event log read failure")
}
