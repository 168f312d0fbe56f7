// Package rates defines the exchange rate domain model and the storage
// contract shared by the ingestion and streaming sides.
package rates

import "context"

// Asset is a tradable instrument. Assets are created exactly once from the
// configured list and are never renamed or deleted; ID is the 1-based
// position of the name in that list.
type Asset struct {
	ID   int    `json:"id" bson:"_id"`
	Name string `json:"name" bson:"name"`
}

// Point is a single observation of an asset's mid price at a whole-second
// instant. ID is an opaque record identity assigned by the store; the pair
// (AssetID, Time) is unique.
type Point struct {
	ID      string
	AssetID int
	Time    int64
	Value   float64
}

// Store is the persistence contract between the ingestion scheduler and the
// subscription path. The unique (asset, time) index is the sole coordination
// point: producers upsert, consumers poll.
type Store interface {
	// InitializeAssets ensures one Asset per name with ID = position+1.
	// Returns ErrAlreadyPopulated when any of the documents already exist;
	// callers may treat that as benign.
	InitializeAssets(ctx context.Context, names []string) error

	// ListAssets returns all assets in ascending ID order.
	ListAssets(ctx context.Context) ([]Asset, error)

	// FindAssetByID returns the asset with the given ID, or nil.
	FindAssetByID(ctx context.Context, id int) (*Asset, error)

	// UpsertPoint inserts a point unless one already exists for
	// (assetID, t). Reports whether a new document was inserted. A racing
	// duplicate is not an error.
	UpsertPoint(ctx context.Context, assetID int, t int64, value float64) (bool, error)

	// LatestPoint returns the point with the greatest time for the asset,
	// or nil when the asset has no points.
	LatestPoint(ctx context.Context, assetID int) (*Point, error)

	// History returns all points with time >= since, newest first.
	History(ctx context.Context, assetID int, since int64) ([]Point, error)
}
