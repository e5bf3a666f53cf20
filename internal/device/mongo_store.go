package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	ipCollection        = "userIpAddresses"
	macCollection       = "userMacAddresses"
	whitelistCollection = "userWhitelistedIps"
)

type ipDocument struct {
	ID        string    `bson:"_id"`
	User      string    `bson:"user"`
	IP        string    `bson:"ip"`
	UserAgent string    `bson:"userAgent,omitempty"`
	Timestamp time.Time `bson:"timestampUtc"`
}

type macDocument struct {
	ID        string    `bson:"_id"`
	User      string    `bson:"user"`
	MAC       string    `bson:"mac"`
	Timestamp time.Time `bson:"timestampUtc"`
}

type whitelistDocument struct {
	ID        string    `bson:"_id"`
	User      string    `bson:"user"`
	IP        string    `bson:"ip"`
	CreatedAt time.Time `bson:"createdAt"`
}

type MongoStore struct {
	ips       *mongo.Collection
	macs      *mongo.Collection
	whitelist *mongo.Collection
}

func NewMongoStore(database *mongo.Database) *MongoStore {
	return &MongoStore{
		ips:       database.Collection(ipCollection),
		macs:      database.Collection(macCollection),
		whitelist: database.Collection(whitelistCollection),
	}
}

func OpenMongo(ctx context.Context, uri, database string) (*mongo.Client, *mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, client.Database(database), nil
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	bindingIndexes := func(field string) []mongo.IndexModel {
		return []mongo.IndexModel{
			{Keys: bson.D{{Key: "user", Value: 1}, {Key: field, Value: 1}}},
			{Keys: bson.D{{Key: "timestampUtc", Value: 1}}},
		}
	}

	if _, err := s.ips.Indexes().CreateMany(ctx, bindingIndexes("ip")); err != nil {
		return fmt.Errorf("create ip binding indexes: %w", err)
	}
	if _, err := s.macs.Indexes().CreateMany(ctx, bindingIndexes("mac")); err != nil {
		return fmt.Errorf("create mac binding indexes: %w", err)
	}
	if _, err := s.whitelist.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user", Value: 1}, {Key: "ip", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("create whitelist index: %w", err)
	}
	return nil
}

func (s *MongoStore) RecordIP(ctx context.Context, binding Binding) error {
	_, err := s.ips.InsertOne(ctx, ipDocument{
		ID:        binding.ID,
		User:      binding.UserID,
		IP:        binding.IP,
		UserAgent: binding.UserAgent,
		Timestamp: binding.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("insert ip binding: %w", err)
	}
	return nil
}

func (s *MongoStore) RecordMAC(ctx context.Context, binding Binding) error {
	_, err := s.macs.InsertOne(ctx, macDocument{
		ID:        binding.ID,
		User:      binding.UserID,
		MAC:       binding.MAC,
		Timestamp: binding.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("insert mac binding: %w", err)
	}
	return nil
}

func (s *MongoStore) HasIP(ctx context.Context, userID, ip string) (bool, error) {
	return exists(ctx, s.ips, bson.D{{Key: "user", Value: userID}, {Key: "ip", Value: ip}})
}

func (s *MongoStore) HasMAC(ctx context.Context, userID, mac string) (bool, error) {
	return exists(ctx, s.macs, bson.D{{Key: "user", Value: userID}, {Key: "mac", Value: mac}})
}

func (s *MongoStore) IsWhitelisted(ctx context.Context, userID, ip string) (bool, error) {
	return exists(ctx, s.whitelist, bson.D{{Key: "user", Value: userID}, {Key: "ip", Value: ip}})
}

func exists(ctx context.Context, collection *mongo.Collection, filter bson.D) (bool, error) {
	err := collection.FindOne(ctx, filter, options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("find in %s: %w", collection.Name(), err)
	}
	return true, nil
}

func (s *MongoStore) ListWhitelist(ctx context.Context, userID string, page, pageSize int) ([]WhitelistEntry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64((page - 1) * pageSize)).
		SetLimit(int64(pageSize))

	cursor, err := s.whitelist.Find(ctx, bson.D{{Key: "user", Value: userID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("find whitelist: %w", err)
	}

	var docs []whitelistDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode whitelist: %w", err)
	}

	return toEntries(docs), nil
}

func (s *MongoStore) AddWhitelist(ctx context.Context, entry WhitelistEntry) (bool, error) {
	result, err := s.whitelist.UpdateOne(ctx,
		bson.D{{Key: "user", Value: entry.UserID}, {Key: "ip", Value: entry.IP}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{
			{Key: "_id", Value: entry.ID},
			{Key: "createdAt", Value: entry.CreatedAt},
		}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("upsert whitelist entry: %w", err)
	}
	return result.UpsertedCount > 0, nil
}

func (s *MongoStore) DeleteWhitelist(ctx context.Context, userID, id, ip string) ([]WhitelistEntry, error) {
	filter := whitelistFilter(userID, id, ip)

	cursor, err := s.whitelist.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find whitelist entries: %w", err)
	}
	var docs []whitelistDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode whitelist entries: %w", err)
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}

	if _, err := s.whitelist.DeleteMany(ctx, filter); err != nil {
		return nil, fmt.Errorf("delete whitelist entries: %w", err)
	}
	return toEntries(docs), nil
}

func whitelistFilter(userID, id, ip string) bson.D {
	switch {
	case id != "" && ip != "":
		return bson.D{
			{Key: "user", Value: userID},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "_id", Value: id}},
				bson.D{{Key: "ip", Value: ip}},
			}},
		}
	case id != "":
		return bson.D{{Key: "user", Value: userID}, {Key: "_id", Value: id}}
	default:
		return bson.D{{Key: "user", Value: userID}, {Key: "ip", Value: ip}}
	}
}

func (s *MongoStore) PruneBindings(ctx context.Context, olderThan time.Time) (int64, error) {
	filter := bson.D{{Key: "timestampUtc", Value: bson.D{{Key: "$lt", Value: olderThan}}}}

	ips, err := s.ips.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("prune ip bindings: %w", err)
	}
	macs, err := s.macs.DeleteMany(ctx, filter)
	if err != nil {
		return ips.DeletedCount, fmt.Errorf("prune mac bindings: %w", err)
	}
	return ips.DeletedCount + macs.DeletedCount, nil
}

func toEntries(docs []whitelistDocument) []WhitelistEntry {
	entries := make([]WhitelistEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, WhitelistEntry{ID: doc.ID, UserID: doc.User, IP: doc.IP, CreatedAt: doc.CreatedAt})
	}
	return entries
}
