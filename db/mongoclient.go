package db

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type mongoClientInstanceOrError struct {
	clientInstance *mongo.Client
	err            error
}

var (
	clientInstances     = make(map[string]*mongoClientInstanceOrError) // Map of clients per connection string
	clientInstancesLock sync.Mutex                                     // Mutex to handle concurrent access
)

// GetMongoClient returns a singleton MongoDB client instance per connection
// string. A failed connection is remembered and returned again.
func GetMongoClient(ctx context.Context, connectionString string) (*mongo.Client, error) {
	clientInstancesLock.Lock()
	defer clientInstancesLock.Unlock()
	if client, exists := clientInstances[connectionString]; exists {
		return client.clientInstance, client.err
	}

	logger := log.With().
		Str("ConnectionString", connectionString).
		Logger()
	sink := zerologr.New(&logger).GetSink()
	loggerOptions := options.
		Logger().
		SetSink(sink).
		SetMaxDocumentLength(25).
		SetComponentLevel(options.LogComponentCommand, options.LogLevelInfo)

	clientOptions := options.Client().ApplyURI(connectionString).SetLoggerOptions(loggerOptions)

	clientInstance, err := mongo.Connect(clientOptions)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to MongoDB")
		clientInstances[connectionString] = &mongoClientInstanceOrError{nil, err}
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err = clientInstance.Ping(pingCtx, nil); err != nil {
		logger.Error().Err(err).Msg("Failed to ping MongoDB")
		_ = clientInstance.Disconnect(context.Background())
		clientInstances[connectionString] = &mongoClientInstanceOrError{nil, err}
		return nil, err
	}
	logger.Info().Msg("Connected to MongoDB successfully")
	instance := &mongoClientInstanceOrError{clientInstance, nil}
	clientInstances[connectionString] = instance

	return instance.clientInstance, nil
}

// DisconnectAll disconnects and forgets every registered client
func DisconnectAll(ctx context.Context) {
	clientInstancesLock.Lock()
	defer clientInstancesLock.Unlock()
	for cs, client := range clientInstances {
		if client.clientInstance != nil {
			if err := client.clientInstance.Disconnect(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to disconnect from MongoDB")
			}
		}
		delete(clientInstances, cs)
	}
}
