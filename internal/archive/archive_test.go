package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"authgate/internal/domain"
)

func TestMongoStoreRecordDeletion(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	deletedAt := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	mt.Run("insert", func(mt *mtest.T) {
		store := NewMongoStore(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		err := store.RecordDeletion(context.Background(), domain.DeletedUser{
			ID:        "u-1",
			Username:  "alice",
			Email:     "alice@example.com",
			Reason:    "moving on",
			DeletedAt: deletedAt,
		})
		require.NoError(mt, err)

		started := mt.GetStartedEvent()
		require.NotNil(mt, started)
		assert.Equal(mt, "insert", started.CommandName)
		assert.Equal(mt, deletedUsersCollection, started.Command.Lookup("insert").StringValue())
		doc := started.Command.Lookup("documents").Array().Index(0).Value().Document()
		assert.Equal(mt, "u-1", doc.Lookup("_id").StringValue())
		assert.Equal(mt, "moving on", doc.Lookup("reason").StringValue())
		assert.Equal(mt, deletedAt.UnixMilli(), doc.Lookup("timestamp").Time().UnixMilli())
	})

	mt.Run("server error", func(mt *mtest.T) {
		store := NewMongoStore(mt.DB)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 11600, Message: "interrupted at shutdown"}))

		err := store.RecordDeletion(context.Background(), domain.DeletedUser{ID: "u-2"})
		assert.ErrorContains(mt, err, "insert deleted user")
	})
}

func TestMemoryStoreKeepsRecords(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.RecordDeletion(context.Background(), domain.DeletedUser{ID: "u-1", Reason: "bye"}))

	records := store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "bye", records[0].Reason)
}
