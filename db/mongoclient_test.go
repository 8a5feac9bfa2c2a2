package db_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vtpl1/safetynet/db"
)

// The client registry is package global, so the steps run in one test.
func TestGetMongoClient(t *testing.T) {
	ctx := context.TODO()
	client, err := db.GetMongoClient(ctx, "connectionString")
	assert.Error(t, err, "GetMongoClient should return an error if the connection string is invalid")
	assert.Nil(t, client, "MongoDB client should be nil if an error occurs")

	// the failure is remembered
	_, again := db.GetMongoClient(ctx, "connectionString")
	assert.Equal(t, err, again)

	// nothing listens on port 1
	client, err = db.GetMongoClient(ctx, "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=200&connectTimeoutMS=200")
	assert.Error(t, err, "GetMongoClient should return an error if ping fails")
	assert.Nil(t, client)

	db.DisconnectAll(ctx)
	client, err = db.GetMongoClient(ctx, "connectionString")
	assert.Error(t, err)
	assert.Nil(t, client)
	db.DisconnectAll(ctx)
}
