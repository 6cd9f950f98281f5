package inbox

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type recordBSON struct {
	ID     string `bson:"_id"`
	Record `bson:",inline"`
}

// MongoStore keeps records in a collection keyed by consumer and event id.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(client *mongo.Client, dbName, collectionName string) *MongoStore {
	return &MongoStore{coll: client.Database(dbName).Collection(collectionName)}
}

func mongoID(consumer, eventID string) string {
	return consumer + "/" + eventID
}

// EnsureIndexes creates the lookup index used by per-tenant queries.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "processed_at", Value: -1}},
	})
	return err
}

func (s *MongoStore) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	err := s.coll.FindOne(ctx, bson.M{"_id": mongoID(consumer, eventID)},
		options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MongoStore) Mark(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	_, err := s.coll.InsertOne(ctx, recordBSON{ID: mongoID(rec.Consumer, rec.EventID), Record: rec})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}
