package persistence

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store durable writes against the system of record. All writes are
// idempotent; replaying any event log record is harmless.
type Store interface {
	// UpsertRoom record a room. A room that already exists is left untouched.
	UpsertRoom(ctxt context.Context, name string, createdAt time.Time) error
	// SaveMessage record one message, resolving or creating the author and
	// room. A repeated event ID is a no-op.
	SaveMessage(
		ctxt context.Context, eventID, room, username, content string, sentAt time.Time,
	) error
	// ListRooms fetch all known rooms
	ListRooms(ctxt context.Context) ([]Room, error)
	// Ping verify the database is reachable
	Ping(ctxt context.Context) error
}

// sqlStoreImpl implements Store using GORM
type sqlStoreImpl struct {
	common.Component
	db *gorm.DB
}

// GetSQLStore define a Store on an open GORM handle, migrating the schema
func GetSQLStore(db *gorm.DB, instance string) (Store, error) {
	logTags := log.Fields{
		"module": "persistence", "component": "sql-store", "instance": instance,
	}
	if err := db.AutoMigrate(&Room{}, &User{}, &Message{}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Schema migration failed")
		return nil, common.NewDependencyError("system-of-record", "migrate", err)
	}
	return &sqlStoreImpl{Component: common.Component{LogTags: logTags}, db: db}, nil
}

// UpsertRoom record a room
func (s *sqlStoreImpl) UpsertRoom(ctxt context.Context, name string, createdAt time.Time) error {
	room := Room{Name: name, CreatedAt: createdAt}
	result := s.db.WithContext(ctxt).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}}, DoNothing: true,
	}).Create(&room)
	if result.Error != nil {
		log.WithError(result.Error).WithFields(s.LogTags).Errorf(
			"Failed to upsert room %s", name,
		)
		return common.NewDependencyError("system-of-record", "upsert-room", result.Error)
	}
	if result.RowsAffected == 0 {
		log.WithFields(s.LogTags).Debugf("Room %s already recorded", name)
	} else {
		log.WithFields(s.LogTags).Infof("Recorded room %s", name)
	}
	return nil
}

// SaveMessage record one message
func (s *sqlStoreImpl) SaveMessage(
	ctxt context.Context, eventID, room, username, content string, sentAt time.Time,
) error {
	err := s.db.WithContext(ctxt).Transaction(func(tx *gorm.DB) error {
		// Author is created on first sight
		user := User{Username: username}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "username"}}, DoNothing: true,
		}).Create(&user).Error; err != nil {
			return err
		}
		if err := tx.Where("username = ?", username).First(&user).Error; err != nil {
			return err
		}
		// The room should have arrived on room-events first, but the two
		// topics are only ordered within themselves. Tolerate the gap by
		// creating the room here and flagging the anomaly.
		var target Room
		if err := tx.Where("name = ?", room).First(&target).Error; err != nil {
			if err != gorm.ErrRecordNotFound {
				return err
			}
			log.WithFields(s.LogTags).Warnf(
				"Message %s arrived before room %s was recorded", eventID, room,
			)
			target = Room{Name: room, CreatedAt: sentAt}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "name"}}, DoNothing: true,
			}).Create(&target).Error; err != nil {
				return err
			}
			if err := tx.Where("name = ?", room).First(&target).Error; err != nil {
				return err
			}
		}
		message := Message{
			EventID: eventID,
			RoomID:  target.ID,
			UserID:  user.ID,
			Content: content,
			SentAt:  sentAt,
		}
		result := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true,
		}).Create(&message)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Redelivery of an already stored record
			log.WithFields(s.LogTags).Debugf("Message %s already recorded", eventID)
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to save message %s for %s", eventID, room,
		)
		return common.NewDependencyError("system-of-record", "save-message", err)
	}
	return nil
}

// ListRooms fetch all known rooms
func (s *sqlStoreImpl) ListRooms(ctxt context.Context) ([]Room, error) {
	var rooms []Room
	if err := s.db.WithContext(ctxt).Order("name").Find(&rooms).Error; err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to list rooms")
		return nil, common.NewDependencyError("system-of-record", "list-rooms", err)
	}
	return rooms, nil
}

// Ping verify the database is reachable
func (s *sqlStoreImpl) Ping(ctxt context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return common.NewDependencyError("system-of-record", "ping", err)
	}
	if err := sqlDB.PingContext(ctxt); err != nil {
		return common.NewDependencyError("system-of-record", "ping", err)
	}
	return nil
}
