// Package archive keeps a record of accounts deleted by their owners.
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"authgate/internal/domain"
)

const deletedUsersCollection = "deletedUsers"

type deletedUserDocument struct {
	ID         string     `bson:"_id"`
	Username   string     `bson:"username"`
	Email      string     `bson:"email"`
	IsStaff    bool       `bson:"isStaff"`
	DateJoined time.Time  `bson:"dateJoined"`
	LastLogin  *time.Time `bson:"lastLogin,omitempty"`
	Reason     string     `bson:"reason"`
	DeletedAt  time.Time  `bson:"timestamp"`
}

type MongoStore struct {
	deleted *mongo.Collection
}

func NewMongoStore(database *mongo.Database) *MongoStore {
	return &MongoStore{deleted: database.Collection(deletedUsersCollection)}
}

func (s *MongoStore) RecordDeletion(ctx context.Context, record domain.DeletedUser) error {
	_, err := s.deleted.InsertOne(ctx, deletedUserDocument{
		ID:         record.ID,
		Username:   record.Username,
		Email:      record.Email,
		IsStaff:    record.IsStaff,
		DateJoined: record.DateJoined,
		LastLogin:  record.LastLogin,
		Reason:     record.Reason,
		DeletedAt:  record.DeletedAt,
	})
	if err != nil {
		return fmt.Errorf("insert deleted user: %w", err)
	}
	return nil
}

// MemoryStore backs development mode when no MONGO_URL is configured.
type MemoryStore struct {
	mu      sync.Mutex
	records []domain.DeletedUser
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) RecordDeletion(_ context.Context, record domain.DeletedUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *MemoryStore) Records() []domain.DeletedUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeletedUser(nil), s.records...)
}
