// Package diskstore is a concrete, disk-backed PageStore built on
// github.com/ncw/directio: pages are written as O_DIRECT-aligned blocks
// behind the same opaque store boundary any external collaborator (an
// embedding host database, a remote object store) could sit behind.
package diskstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"

	"github.com/bowtie-db/bwtree/interfaces"
)

var _ interfaces.PageStore = (*FileStore)(nil)

const blockSize = directio.BlockSize

// blockBits is the width of the handle's low field, which holds the
// object's block count; the bits above it hold the starting block index.
const blockBits = 20
const blockMask = 1<<blockBits - 1

// FileStore writes each page as a run of O_DIRECT-aligned blocks at the
// end of a single backing file. It never reuses space freed by Free; see
// DESIGN.md for why space reclamation is out of scope here. Block 0 is
// permanently reserved for the catalog (WriteCatalog/ReadCatalog), a
// distinguished "page zero" bootstrap block analogous to the metadata
// page most page-store implementations carve out for themselves.
type FileStore struct {
	mu      sync.Mutex
	file    *os.File
	nextBlk atomic.Uint64
}

// Open opens (creating if absent) the backing file at path for O_DIRECT
// access without truncating it, so a FileStore reopened against a path
// used by a prior Tree recovers its catalog and existing pages.
func Open(path string) (*FileStore, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	s := &FileStore{file: f}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		s.nextBlk.Store(1) // block 0 reserved for the catalog
	} else {
		s.nextBlk.Store(uint64(info.Size()) / blockSize)
	}
	return s, nil
}

// WriteCatalog persists handle as the tree's well-known bootstrap
// pointer (its catalog blob's store handle) into the reserved block 0.
func (s *FileStore) WriteCatalog(handle uint64) error {
	block := directio.AlignedBlock(blockSize)
	binary.LittleEndian.PutUint64(block, handle)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.file.WriteAt(block, 0)
	return err
}

// ReadCatalog recovers a previously written catalog handle. ok is false
// on a freshly created file with nothing written yet.
func (s *FileStore) ReadCatalog() (handle uint64, ok bool, err error) {
	block := directio.AlignedBlock(blockSize)
	s.mu.Lock()
	_, err = s.file.ReadAt(block, 0)
	s.mu.Unlock()
	if err != nil && err != io.EOF {
		return 0, false, err
	}
	h := binary.LittleEndian.Uint64(block)
	if h == 0 {
		return 0, false, nil
	}
	return h, true, nil
}

// Write appends buf as a fresh object and returns its handle.
func (s *FileStore) Write(buf []byte) (uint64, error) {
	nblocks := uint64((len(buf) + 4 + blockSize - 1) / blockSize)
	if nblocks == 0 {
		nblocks = 1
	}
	if nblocks > blockMask {
		return 0, fmt.Errorf("diskstore: page too large for one object (%d bytes)", len(buf))
	}
	block := directio.AlignedBlock(int(nblocks) * blockSize)
	binary.LittleEndian.PutUint32(block, uint32(len(buf)))
	copy(block[4:], buf)

	start := s.nextBlk.Add(nblocks) - nblocks
	s.mu.Lock()
	_, err := s.file.WriteAt(block, int64(start)*int64(blockSize))
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return start<<blockBits | nblocks, nil
}

// Read returns the bytes previously written under handle.
func (s *FileStore) Read(handle uint64) ([]byte, error) {
	start, nblocks := handle>>blockBits, handle&blockMask
	block := directio.AlignedBlock(int(nblocks) * blockSize)
	s.mu.Lock()
	_, err := s.file.ReadAt(block, int64(start)*int64(blockSize))
	s.mu.Unlock()
	if err != nil && err != io.EOF {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(block)
	out := make([]byte, n)
	copy(out, block[4:4+n])
	return out, nil
}

// Free is a no-op: the allocated block run is leaked. A production store
// would track a free-block list the way the tree's own page table does
// for PIDs; out of scope for this demonstration backend.
func (s *FileStore) Free(handle uint64) error {
	return nil
}

// Close closes the backing file.
func (s *FileStore) Close() error {
	return s.file.Close()
}
