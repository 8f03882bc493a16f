package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/firelion/insight-web-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the Store interface using a BoltDB backend for persistent storage of
// sessions and their transcripts. It provides atomic operations through a key-value
// storage model: one bucket for session records, one bucket per session for its messages.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the
// database with required buckets and returns an error if the database cannot be opened or
// initialized. The database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("sessions"))
		return err
	})

	return BoltDB{db: db}, err
}

func messageBucketName(sessionID string) []byte {
	return []byte(fmt.Sprintf("session-%s", sessionID))
}

// Sessions retrieves all stored session records from the database in reverse chronological
// order. It returns a slice of Session models or an error if the database operation fails.
func (b BoltDB) Sessions(context.Context) ([]models.Session, error) {
	var sessions []models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("sessions"))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var session models.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			sessions = append(sessions, session)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(sessions)
	return sessions, nil
}

// AddSession stores a new session record in the database and creates an associated message
// bucket. It generates a unique ID for the session by combining a sequence number with the
// session's original ID, and returns the new ID or an error if the operation fails.
func (b BoltDB) AddSession(_ context.Context, session models.Session) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("sessions"))
		if b == nil {
			return nil
		}

		idPrefix, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		// Zero-padded so the keys keep insertion order under bbolt's byte-wise iteration.
		newID = fmt.Sprintf("%020d-%s", idPrefix, session.ID)
		session.ID = newID

		_, err = tx.CreateBucketIfNotExists(messageBucketName(session.ID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		return b.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateSession modifies an existing session record, used for the opportunistic name
// update after the first exchange. If the session doesn't exist, the operation is silently
// ignored. Returns an error if the marshaling or database operation fails.
func (b BoltDB) UpdateSession(_ context.Context, session models.Session) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("sessions"))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(session.ID))
		if v == nil {
			return nil
		}

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		return b.Put([]byte(session.ID), v)
	})
}

// Messages retrieves all messages associated with the specified session ID, in stored
// order. The result is what Engine.Hydrate consumes to rebuild a transcript.
func (b BoltDB) Messages(_ context.Context, sessionID string) ([]*models.Message, error) {
	var messages []*models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(sessionID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, &message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage stores a new message in the specified session's message bucket. It generates
// a unique ID for the message by combining a sequence number with the message's original
// ID, and returns the new ID or an error if the operation fails.
func (b BoltDB) AddMessage(_ context.Context, sessionID string, message *models.Message) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(sessionID))
		if b == nil {
			return nil
		}

		idPrefix, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		// Zero-padded so the keys keep insertion order under bbolt's byte-wise iteration.
		newID = fmt.Sprintf("%020d-%s", idPrefix, message.ID)
		message.ID = newID

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return b.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateMessage modifies an existing message in the specified session's message bucket. If
// the message doesn't exist, the operation is silently ignored. Returns an error if the
// marshaling or database operation fails.
func (b BoltDB) UpdateMessage(_ context.Context, sessionID string, message *models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(sessionID))
		if b == nil {
			return nil
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return b.Put([]byte(message.ID), v)
	})
}
