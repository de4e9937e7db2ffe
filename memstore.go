package bwtree

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/dsnet/golib/memfile"

	"github.com/bowtie-db/bwtree/interfaces"
)

var _ interfaces.PageStore = (*MemStore)(nil)

// MemStore is the default PageStore: an in-process object store keyed by
// monotonically increasing handles, backed by dsnet/golib/memfile the way
// the teacher's ParentBufMgrDummy/ParentPageDummy stood in for a real
// backing store during development and in every unit test
// (parent_buf_mgr_dummy.go, parent_page_dummy.go).
type MemStore struct {
	mu      sync.RWMutex
	nextID  atomic.Uint64
	objects map[uint64][]byte

	catalog    uint64
	catalogSet bool
}

// NewMemStore creates an empty in-memory page store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[uint64][]byte)}
}

func (s *MemStore) Read(handle uint64) ([]byte, error) {
	s.mu.RLock()
	buf, ok := s.objects[handle]
	s.mu.RUnlock()
	if !ok {
		return nil, errIO("page store miss", nil)
	}
	f := memfile.New(buf)
	out := make([]byte, len(buf))
	if _, err := io.ReadFull(f, out); err != nil {
		return nil, errIO("memstore read", err)
	}
	return out, nil
}

func (s *MemStore) Write(buf []byte) (uint64, error) {
	f := memfile.New(nil)
	if _, err := f.Write(buf); err != nil {
		return 0, errIO("memstore write", err)
	}
	id := s.nextID.Add(1)
	s.mu.Lock()
	s.objects[id] = append([]byte(nil), f.Bytes()...)
	s.mu.Unlock()
	return id, nil
}

func (s *MemStore) Free(handle uint64) error {
	s.mu.Lock()
	delete(s.objects, handle)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Close() error { return nil }

// WriteCatalog persists handle as the tree's bootstrap catalog pointer. A
// MemStore only survives a reopen if the caller keeps the same instance
// across Close/Open, but it honors the same CatalogStore contract as
// FileStore so Tree's bootstrap path doesn't need to special-case it.
func (s *MemStore) WriteCatalog(handle uint64) error {
	s.mu.Lock()
	s.catalog, s.catalogSet = handle, true
	s.mu.Unlock()
	return nil
}

func (s *MemStore) ReadCatalog() (handle uint64, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog, s.catalogSet, nil
}

// Len reports how many objects are currently retained.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
