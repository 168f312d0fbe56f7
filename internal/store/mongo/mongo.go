// Package mongo implements the rates.Store contract on MongoDB.
//
// Layout mirrors the persisted collections: asset documents are
// {_id: int, name: string} with a unique index on name; exchangeRate
// documents are {asset: int, time: int64, value: float64} with the unique
// compound index (asset, time) that makes the upsert idempotent, plus a
// secondary index on asset for range scans.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/quotelab/ratefeed/internal/rates"
)

const (
	assetCollection = "asset"
	rateCollection  = "exchangeRate"

	connectTimeout = 10 * time.Second
)

// Store is a Mongo-backed rates.Store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger zerolog.Logger
}

var _ rates.Store = (*Store)(nil)

// Connect dials the MongoDB deployment and pings the primary.
func Connect(ctx context.Context, uri, dbName string, logger zerolog.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	logger.Info().Str("database", dbName).Msg("Connected to MongoDB")
	return &Store{
		client: client,
		db:     client.Database(dbName),
		logger: logger,
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes the store contract relies on. The unique
// compound (asset, time) index is the correctness mechanism of UpsertPoint;
// without it concurrent workers could insert duplicate observations.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(assetCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetName("name").SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create asset indexes: %w", err)
	}

	_, err = s.db.Collection(rateCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "asset", Value: 1}, {Key: "time", Value: 1}},
			Options: options.Index().SetName("assetIdWithTime").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "asset", Value: 1}},
			Options: options.Index().SetName("asset"),
		},
	})
	if err != nil {
		return fmt.Errorf("create exchangeRate indexes: %w", err)
	}
	return nil
}

type assetDoc struct {
	ID   int    `bson:"_id"`
	Name string `bson:"name"`
}

type rateDoc struct {
	ID    primitive.ObjectID `bson:"_id,omitempty"`
	Asset int                `bson:"asset"`
	Time  int64              `bson:"time"`
	Value float64            `bson:"value"`
}

func (d rateDoc) toPoint() rates.Point {
	return rates.Point{
		ID:      d.ID.Hex(),
		AssetID: d.Asset,
		Time:    d.Time,
		Value:   d.Value,
	}
}

// InitializeAssets bulk-inserts one document per configured name with
// _id = position + 1. Any duplicate key maps to rates.ErrAlreadyPopulated.
func (s *Store) InitializeAssets(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(names))
	for i, name := range names {
		docs = append(docs, assetDoc{ID: i + 1, Name: name})
	}

	_, err := s.db.Collection(assetCollection).InsertMany(ctx, docs)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return rates.ErrAlreadyPopulated
		}
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) {
			return rates.ErrAlreadyPopulated
		}
		return fmt.Errorf("initialize assets: %w", err)
	}
	return nil
}

func (s *Store) ListAssets(ctx context.Context) ([]rates.Asset, error) {
	cur, err := s.db.Collection(assetCollection).Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	var docs []assetDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode assets: %w", err)
	}
	assets := make([]rates.Asset, len(docs))
	for i, d := range docs {
		assets[i] = rates.Asset{ID: d.ID, Name: d.Name}
	}
	return assets, nil
}

func (s *Store) FindAssetByID(ctx context.Context, id int) (*rates.Asset, error) {
	var doc assetDoc
	err := s.db.Collection(assetCollection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find asset %d: %w", id, err)
	}
	return &rates.Asset{ID: doc.ID, Name: doc.Name}, nil
}

// UpsertPoint inserts the point only when no document with (assetID, t)
// exists. $setOnInsert keeps the write a pure insert-or-noop: an existing
// document is never mutated and a racing duplicate is treated as success.
func (s *Store) UpsertPoint(ctx context.Context, assetID int, t int64, value float64) (bool, error) {
	filter := bson.D{{Key: "asset", Value: assetID}, {Key: "time", Value: t}}
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{
		{Key: "asset", Value: assetID},
		{Key: "time", Value: t},
		{Key: "value", Value: value},
	}}}

	res, err := s.db.Collection(rateCollection).UpdateOne(ctx, filter, update,
		options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Lost the race against a sibling worker; the row exists.
			return false, nil
		}
		return false, fmt.Errorf("upsert point asset=%d time=%d: %w", assetID, t, err)
	}
	return res.UpsertedCount > 0, nil
}

func (s *Store) LatestPoint(ctx context.Context, assetID int) (*rates.Point, error) {
	var doc rateDoc
	err := s.db.Collection(rateCollection).FindOne(ctx,
		bson.D{{Key: "asset", Value: assetID}},
		options.FindOne().SetSort(bson.D{{Key: "time", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest point asset=%d: %w", assetID, err)
	}
	p := doc.toPoint()
	return &p, nil
}

func (s *Store) History(ctx context.Context, assetID int, since int64) ([]rates.Point, error) {
	cur, err := s.db.Collection(rateCollection).Find(ctx,
		bson.D{
			{Key: "asset", Value: assetID},
			{Key: "time", Value: bson.D{{Key: "$gte", Value: since}}},
		},
		options.Find().SetSort(bson.D{{Key: "time", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("history asset=%d: %w", assetID, err)
	}
	var docs []rateDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	points := make([]rates.Point, len(docs))
	for i, d := range docs {
		points[i] = d.toPoint()
	}
	return points, nil
}
