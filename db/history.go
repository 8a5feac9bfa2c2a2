package db

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vtpl1/safetynet/models"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// HistoryCollection holds every log entry ever produced
const HistoryCollection = "log_entries"

// HistoryStore is the durable log history in MongoDB
type HistoryStore struct {
	coll *mongo.Collection
}

func NewHistoryStore(client *mongo.Client, database string) *HistoryStore {
	return &HistoryStore{coll: client.Database(database).Collection(HistoryCollection)}
}

// EnsureIndexes creates the expiry index on createdAt and the per camera
// lookup index. A zero retention keeps entries forever.
func (s *HistoryStore) EnsureIndexes(ctx context.Context, retention time.Duration) error {
	expiry := options.Index().SetName("createdAt_ttl")
	if retention > 0 {
		expiry.SetExpireAfterSeconds(int32(retention.Seconds()))
	}
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "createdAt", Value: 1}}, Options: expiry},
		{Keys: bson.D{{Key: "camera", Value: 1}, {Key: "createdAt", Value: -1}}},
	})
	return err
}

func (s *HistoryStore) Insert(ctx context.Context, entry models.LogEntry) error {
	_, err := s.coll.InsertOne(ctx, entry)
	return err
}

// History returns up to limit entries, newest first, optionally of one camera
func (s *HistoryStore) History(ctx context.Context, limit int, camera string) ([]models.LogEntry, error) {
	filter := bson.M{}
	if camera != "" {
		filter["camera"] = camera
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		log.Error().Err(err).Msg("Error querying log history")
		return nil, err
	}
	return DecodeEntries(ctx, cursor)
}

// DecodeEntries drains cursor into log entries
func DecodeEntries(ctx context.Context, cursor *mongo.Cursor) ([]models.LogEntry, error) {
	defer cursor.Close(ctx)
	entries := []models.LogEntry{}
	if err := cursor.All(ctx, &entries); err != nil {
		log.Error().Err(err).Msg("Error decoding log history")
		return nil, err
	}
	return entries, nil
}
