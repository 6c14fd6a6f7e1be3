// Package objstore abstracts versioned document storage. The pipeline
// only needs three operations, and the admission lock depends on Head
// returning a stable content version for whatever backend is in use.
package objstore

import (
	"context"
	"time"
)

// ObjectInfo describes a stored object without its contents.
type ObjectInfo struct {
	Container string
	Key       string
	// Version identifies this object's content. Two objects with equal
	// container, key and version are the same document revision.
	Version string
	Size    int64
	ModTime time.Time
}

// Store is the document storage interface.
type Store interface {
	// Get returns the object's contents and metadata.
	Get(ctx context.Context, container, key string) ([]byte, *ObjectInfo, error)
	// Head returns metadata only.
	Head(ctx context.Context, container, key string) (*ObjectInfo, error)
	// Put writes an object, replacing any existing content.
	Put(ctx context.Context, container, key string, data []byte) (*ObjectInfo, error)
}
