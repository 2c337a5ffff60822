package cache

import (
	"context"
	"errors"
)

// ErrGenerationGone is returned when writing into a generation that has been deleted.
var ErrGenerationGone = errors.New("generation does not exist")

// Storage is the generation store.
// It holds named generations, each of which maps request identities to []byte
// values representing stored response snapshots.
// Generations are only ever removed as a whole; there is no per-entry expiry.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the generation with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Generation, error)
	// Keys returns the names of all existing generations, oldest first.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the named generation and all of its entries.
	// It reports whether a generation was actually removed.
	Delete(ctx context.Context, name string) (bool, error)
	// Close releases the underlying resources.
	Close() error
}

// Generation is one named snapshot set.
type Generation interface {
	// Name returns the name (version) of the generation.
	Name() string
	// Match returns the stored value for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Match(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores the value under the given key, replacing any earlier value.
	Put(ctx context.Context, key string, value []byte) error
	// PutAll stores all entries atomically: either every entry is written or none is.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns the keys stored in the generation.
	Keys(ctx context.Context) ([]string, error)
}

type Entry struct {
	Key   string
	Bytes []byte
}
