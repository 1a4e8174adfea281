package cache

import (
	"context"
	"math"
	"time"
)

// DeletedVersion is the floor set when a document is deleted; no snapshot
// can be cached after it.
const DeletedVersion int64 = math.MaxInt64

// VersionFloorTTL outlives any in-flight read of the document.
const VersionFloorTTL = 10 * time.Minute

type SignLinkCache interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error

	// GetDocument returns the cached JSON of a document. A miss is
	// (nil, false, nil).
	GetDocument(ctx context.Context, id string) ([]byte, bool, error)
	// SetDocument caches data read at version. It is a no-op when a newer
	// version has been invalidated, so a slow read-through fill cannot
	// bring back a pre-transition snapshot.
	SetDocument(ctx context.Context, id string, version int64, data []byte) error
	// InvalidateDocument drops the cached copy and raises the document's
	// version floor to version.
	InvalidateDocument(ctx context.Context, id string, version int64) error

	// Login throttling. Failures are counted in a fixed window that starts
	// with the first failure.
	IncrementLoginFailures(ctx context.Context, key string, window time.Duration) (int64, error)
	ResetLoginFailures(ctx context.Context, key string) error
	SetLockout(ctx context.Context, key string, duration time.Duration) error
	IsLockedOut(ctx context.Context, key string) (bool, error)
}

func DocumentChannel(documentId string) string {
	return "document:" + documentId
}
