package testutil

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/rickgao/sp500-pipeline/internal/staging"
)

// MemStore is an in-memory staging.ObjectStore.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]memObject

	// FailPut makes every Put return this error.
	FailPut error
	// FailCopy, when set, is consulted before every Copy; a non-nil result
	// fails the copy.
	FailCopy func(dstKey string) error
}

type memObject struct {
	body []byte
	meta map[string]string
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]memObject)}
}

func (s *MemStore) Put(ctx context.Context, key string, body []byte, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPut != nil {
		return s.FailPut
	}
	s.objects[key] = memObject{body: slices.Clone(body), meta: maps.Clone(meta)}
	return nil
}

func (s *MemStore) Get(ctx context.Context, key string) ([]byte, map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, nil, fmt.Errorf("get %s: %w", key, staging.ErrNotFound)
	}
	return slices.Clone(obj.body), maps.Clone(obj.meta), nil
}

func (s *MemStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *MemStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCopy != nil {
		if err := s.FailCopy(dstKey); err != nil {
			return err
		}
	}
	obj, ok := s.objects[srcKey]
	if !ok {
		return fmt.Errorf("copy %s: %w", srcKey, staging.ErrNotFound)
	}
	s.objects[dstKey] = obj
	return nil
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// Keys returns every stored key in order.
func (s *MemStore) Keys() []string {
	keys, _ := s.List(context.Background(), "")
	return keys
}

// Corrupt replaces an object's body, keeping its metadata.
func (s *MemStore) Corrupt(key string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.objects[key]
	obj.body = body
	s.objects[key] = obj
}
