package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryStore keeps objects in process memory. It backs unit tests and
// single-node development runs; production uses MinioStore.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject

	// FailPuts and FailGets inject transient faults for tests.
	FailPuts bool
	FailGets bool
}

type memObject struct {
	data    []byte
	modTime time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func (s *MemoryStore) Put(ctx context.Context, ref string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return &StorageError{Op: "put", Ref: ref, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPuts {
		return &StorageError{Op: "put", Ref: ref, Err: fmt.Errorf("injected failure")}
	}
	s.objects[ref] = memObject{data: data, modTime: time.Now()}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailGets {
		return nil, &StorageError{Op: "get", Ref: ref, Err: fmt.Errorf("injected failure")}
	}
	obj, ok := s.objects[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, ref)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]Info, 0, len(s.objects))
	for ref, obj := range s.objects {
		infos = append(infos, Info{Ref: ref, Size: int64(len(obj.data)), ModTime: obj.modTime})
	}
	return infos, nil
}

// Corrupt flips one byte of a stored object. Test helper for the
// tamper-detection path.
func (s *MemoryStore) Corrupt(ref string, offset int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[ref]
	if !ok || offset >= len(obj.data) {
		return false
	}
	data := bytes.Clone(obj.data)
	data[offset] ^= 0x01
	s.objects[ref] = memObject{data: data, modTime: obj.modTime}
	return true
}

// SetModTime backdates an object for orphan-grace tests.
func (s *MemoryStore) SetModTime(ref string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[ref]; ok {
		obj.modTime = t
		s.objects[ref] = obj
	}
}

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*MinioStore)(nil)
