package staging

import (
	"context"
	"errors"
)

// ErrNotFound is returned by ObjectStore.Get for a missing key.
var ErrNotFound = errors.New("object not found")

// ObjectStore is the subset of object storage the stager needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, meta map[string]string) error
	Get(ctx context.Context, key string) ([]byte, map[string]string, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
	Delete(ctx context.Context, key string) error
}
