// Package storage keeps a local snapshot of the room list and the newest
// page of each room, so the client has something to show before the first
// fetch completes and when the server is unreachable.
package storage

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"labchat/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketRooms    = []byte("rooms")
	bucketMessages = []byte("messages")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRooms); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// SaveRooms replaces the stored room list, keeping its order.
func (s *BboltStorage) SaveRooms(rooms []models.Room) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketRooms); err != nil {
			return fmt.Errorf("failed to clear rooms: %w", err)
		}
		b, err := tx.CreateBucket(bucketRooms)
		if err != nil {
			return fmt.Errorf("failed to create rooms bucket: %w", err)
		}

		for i, room := range rooms {
			if err := put(b, roomToDB(room, i)); err != nil {
				return fmt.Errorf("failed to store room %d: %w", room.ID, err)
			}
		}
		return nil
	})
}

func put(b *bbolt.Bucket, item Storeable) error {
	data, err := item.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(item.Key(), data)
}

// ListRooms returns the stored rooms in the order they were saved.
func (s *BboltStorage) ListRooms() ([]models.Room, error) {
	var dbRooms []DBRoom
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		return b.ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			dbRooms = append(dbRooms, dbRoom)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(dbRooms, func(a, b DBRoom) int { return cmp.Compare(a.Position, b.Position) })
	rooms := make([]models.Room, len(dbRooms))
	for i := range dbRooms {
		rooms[i] = dbRooms[i].model()
	}
	return rooms, nil
}

// SaveMessages replaces the stored page of roomID.
func (s *BboltStorage) SaveMessages(roomID int64, messages []models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		mainMsgBucket := tx.Bucket(bucketMessages)
		key := idKey(roomID)
		if mainMsgBucket.Bucket(key) != nil {
			if err := mainMsgBucket.DeleteBucket(key); err != nil {
				return fmt.Errorf("failed to clear room %d messages: %w", roomID, err)
			}
		}
		roomBucket, err := mainMsgBucket.CreateBucket(key)
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}

		for _, msg := range messages {
			if err := put(roomBucket, messageToDB(msg)); err != nil {
				return fmt.Errorf("failed to store message %d: %w", msg.ID, err)
			}
		}
		return nil
	})
}

// ListMessages returns up to limit of the newest stored messages of roomID
// in ascending id order. A limit of zero returns all of them.
func (s *BboltStorage) ListMessages(roomID int64, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket(idKey(roomID))
		if roomBucket == nil {
			return nil // Nothing cached for this room
		}

		c := roomBucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(messages) == limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.model())
		}
		return nil
	})
	slices.Reverse(messages)
	return messages, err
}

// DeleteRoom drops a room and its stored messages.
func (s *BboltStorage) DeleteRoom(roomID int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := idKey(roomID)
		if err := tx.Bucket(bucketRooms).Delete(key); err != nil {
			return err
		}
		mainMsgBucket := tx.Bucket(bucketMessages)
		if mainMsgBucket.Bucket(key) == nil {
			return nil
		}
		return mainMsgBucket.DeleteBucket(key)
	})
}
