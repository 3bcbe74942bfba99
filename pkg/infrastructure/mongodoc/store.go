package mongodoc

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mixbag/pkg/domain/model"
	"mixbag/pkg/infrastructure/mirror"
)

const connectTimeout = 10 * time.Second

// Store keeps mirror documents in a MongoDB collection, one per document id.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger logrus.FieldLogger
}

type record struct {
	ID              string              `bson:"_id"`
	Bags            []model.Item        `bson:"bags"`
	BagTransactions []model.Transaction `bson:"bagTransactions"`
	Boxes           []model.Item        `bson:"boxes"`
	BoxTransactions []model.Transaction `bson:"boxTransactions"`
	Settings        model.Settings      `bson:"settings"`
	Origin          string              `bson:"origin"`
	Revision        int64               `bson:"revision"`
	LastUpdated     time.Time           `bson:"lastUpdated"`
}

func (r record) document() mirror.Document {
	return mirror.Document{
		ID: r.ID,
		Snapshot: model.Snapshot{
			Bags:            r.Bags,
			BagTransactions: r.BagTransactions,
			Boxes:           r.Boxes,
			BoxTransactions: r.BoxTransactions,
			Settings:        r.Settings,
		},
		Origin:    r.Origin,
		Revision:  r.Revision,
		UpdatedAt: r.LastUpdated,
	}
}

func Connect(ctx context.Context, uri, database, collection string, logger logrus.FieldLogger) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongodb")
	}
	return &Store{
		client: client,
		coll:   client.Database(database).Collection(collection),
		logger: logger,
	}, nil
}

func (s *Store) Get(ctx context.Context, id string) (*mirror.Document, error) {
	var rec record
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mirror.ErrDocumentNotFound
		}
		return nil, errors.Wrapf(err, "find %s", id)
	}
	doc := rec.document()
	return &doc, nil
}

// Set upserts the document and lets the server stamp lastUpdated.
func (s *Store) Set(ctx context.Context, doc mirror.Document) (time.Time, error) {
	update := bson.M{
		"$set": bson.M{
			"bags":            nonNil(doc.Snapshot.Bags),
			"bagTransactions": nonNil(doc.Snapshot.BagTransactions),
			"boxes":           nonNil(doc.Snapshot.Boxes),
			"boxTransactions": nonNil(doc.Snapshot.BoxTransactions),
			"settings":        doc.Snapshot.Settings,
			"origin":          doc.Origin,
			"revision":        doc.Revision,
		},
		"$currentDate": bson.M{"lastUpdated": true},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetProjection(bson.M{"lastUpdated": 1})

	var stamped struct {
		LastUpdated time.Time `bson:"lastUpdated"`
	}
	if err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": doc.ID}, update, opts).Decode(&stamped); err != nil {
		return time.Time{}, errors.Wrapf(err, "upsert %s", doc.ID)
	}
	return stamped.LastUpdated, nil
}

// Watch follows the collection's change stream for one document id. It
// requires a replica set or sharded cluster.
func (s *Store) Watch(ctx context.Context, id string) (<-chan mirror.Document, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: id}}}},
	}
	stream, err := s.coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, errors.Wrapf(err, "watch %s", id)
	}

	docs := make(chan mirror.Document)
	go func() {
		defer close(docs)
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			var event struct {
				FullDocument *record `bson:"fullDocument"`
			}
			if err := stream.Decode(&event); err != nil {
				s.logger.WithError(err).WithField("document", id).Error("failed to decode change event")
				continue
			}
			if event.FullDocument == nil {
				continue
			}
			select {
			case docs <- event.FullDocument.document():
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).WithField("document", id).Warn("change stream ended")
		}
	}()
	return docs, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
