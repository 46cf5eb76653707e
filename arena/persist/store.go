// Package persist implements crash-consistent, page-granular persistence
// for an arena region: a small control file plus two mirrored data files,
// one receiving in-flight changes through the live mapping and one that
// Commit brings up to date by copying the dirty pages into it. Which file
// is live stays fixed for a Store's lifetime.
//
// Dirty-page tracking is explicit rather than fault-driven: a PROT_READ
// mapping with a SIGSEGV handler that mprotects the faulting page and
// records it in a bitmap would be the traditional approach, but Go's
// runtime owns SIGSEGV for its own stack growth and preemption machinery
// and does not support chaining a second handler safely without cgo. This
// package instead exposes MarkDirty, called explicitly by every
// chunk/header mutation.
package persist

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/arcoro/arcoro/internal/logging"
)

const (
	// PageSize is the granularity at which dirty tracking and commit/rewind operate.
	PageSize = 4096

	// CtrlSize is the size of the control file; only a handful of its bytes are used.
	CtrlSize = 4096

	// MinStorageSize is the size a brand-new data file is created at.
	MinStorageSize = 4096

	// StorageMagic marks an initialized control block.
	StorageMagic uint64 = 0xa1ceface
)

const (
	ctrlOffMagic     = 0
	ctrlOffInUse     = 8
	ctrlOffDataUsed  = 16
	ctrlOffLastSize  = 24
	ctrlOffCurrSize  = 32
)

// Store owns one region's on-disk mirrors and in-memory mapping.
type Store struct {
	mu sync.Mutex

	ctrlFile *os.File
	ctrlMmap []byte

	dataPath [2]string
	dataFile [2]*os.File

	// liveIdx is which physical data file backs s.region. It is chosen once,
	// at Open time, and never changes for the lifetime of this Store: the
	// mmap'd region stays put, only the persisted dataUsed bit (below)
	// alternates to tell the *next* process's Open which file to treat as
	// live.
	liveIdx int

	// dataUsed is the crash-recovery bookkeeping value mirrored into the
	// control file: the index of the data file guaranteed to hold a fully
	// committed, consistent copy as of the last successful Commit.
	dataUsed int

	size     uint64
	lastSize uint64

	region []byte
	dirty  *dirtyBitmap

	logger *logging.Logger

	// isNew is true for a freshly created store whose region has not yet
	// been handed to freelist.Init by the caller; FinalizeInit clears it.
	isNew bool
}

func ctrlGet(region []byte, off int) uint64 { return binary.LittleEndian.Uint64(region[off : off+8]) }
func ctrlSet(region []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(region[off:off+8], v)
}

// Open opens or creates the control file at ctrlPath and the two mirrored
// data files alongside it (named "<ctrlPath>_0.data" and "_1.data"),
// performing crash recovery if the control block shows a session that
// never completed a clean shutdown. A freshly created store is returned
// with IsNew() true and a minimal region the caller must initialize (via
// freelist.Init) and then pass to FinalizeInit.
func Open(ctrlPath string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}

	ctrlFile, err := os.OpenFile(ctrlPath, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("persist: open ctrl file: %w", err)
	}
	if err := ctrlFile.Truncate(CtrlSize); err != nil {
		ctrlFile.Close()
		return nil, fmt.Errorf("persist: size ctrl file: %w", err)
	}

	ctrlMmap, err := unix.Mmap(int(ctrlFile.Fd()), 0, CtrlSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		ctrlFile.Close()
		return nil, fmt.Errorf("persist: mmap ctrl file: %w", err)
	}

	dir := filepath.Dir(ctrlPath)
	base := filepath.Base(ctrlPath)

	s := &Store{
		ctrlFile: ctrlFile,
		ctrlMmap: ctrlMmap,
		dataPath: [2]string{
			filepath.Join(dir, base+"_0.data"),
			filepath.Join(dir, base+"_1.data"),
		},
		logger: logger,
	}

	magic := ctrlGet(ctrlMmap, ctrlOffMagic)
	if magic != StorageMagic && magic != 0 {
		s.closeCtrlOnly()
		return nil, fmt.Errorf("persist: malformed control block: bad magic %x", magic)
	}

	if magic != StorageMagic {
		if err := s.initFresh(); err != nil {
			s.closeCtrlOnly()
			return nil, err
		}
		return s, nil
	}

	if err := s.openExisting(); err != nil {
		s.closeCtrlOnly()
		return nil, err
	}
	return s, nil
}

func (s *Store) closeCtrlOnly() {
	unix.Munmap(s.ctrlMmap)
	s.ctrlFile.Close()
}

// initFresh creates both data files at MinStorageSize and maps file 0 as
// the live region, leaving the control block magic unset until
// FinalizeInit is called once the caller has laid out the region header.
func (s *Store) initFresh() error {
	for i := 0; i < 2; i++ {
		f, err := os.OpenFile(s.dataPath[i], os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
		if err != nil {
			return fmt.Errorf("persist: create data file %d: %w", i, err)
		}
		if err := f.Truncate(MinStorageSize); err != nil {
			f.Close()
			return fmt.Errorf("persist: size data file %d: %w", i, err)
		}
		s.dataFile[i] = f
	}

	region, err := unix.Mmap(int(s.dataFile[0].Fd()), 0, MinStorageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("persist: mmap data file 0: %w", err)
	}

	s.region = region
	s.size = MinStorageSize
	s.lastSize = MinStorageSize
	s.liveIdx = 0
	s.dataUsed = 0
	s.dirty = newDirtyBitmap(MinStorageSize / PageSize)
	s.isNew = true
	return nil
}

// FinalizeInit is called once by the arena layer after it has laid out a
// freshly created region's header and first free chunk: mirror file 0 into
// file 1, then mark the control block initialized.
func (s *Store) FinalizeInit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isNew {
		return nil
	}

	if err := unix.Msync(s.region, unix.MS_SYNC); err != nil {
		return fmt.Errorf("persist: msync fresh region: %w", err)
	}
	if err := mirrorFile(s.dataFile[1], s.dataFile[0]); err != nil {
		return fmt.Errorf("persist: mirror fresh region to backup: %w", err)
	}

	ctrlSet(s.ctrlMmap, ctrlOffMagic, StorageMagic)
	ctrlSet(s.ctrlMmap, ctrlOffDataUsed, 0)
	ctrlSet(s.ctrlMmap, ctrlOffInUse, 1)
	ctrlSet(s.ctrlMmap, ctrlOffCurrSize, s.size)
	ctrlSet(s.ctrlMmap, ctrlOffLastSize, s.lastSize)
	if err := unix.Msync(s.ctrlMmap, unix.MS_SYNC); err != nil {
		return fmt.Errorf("persist: msync ctrl block: %w", err)
	}

	s.isNew = false
	return nil
}

// openExisting reopens a previously initialized store, recovering from a
// crash mid-commit by restoring the in-use data file from its backup when
// the control block shows the prior session never shut down cleanly.
func (s *Store) openExisting() error {
	dataUsed := ctrlGet(s.ctrlMmap, ctrlOffDataUsed)
	inUse := ctrlGet(s.ctrlMmap, ctrlOffInUse)

	if inUse != 0 {
		s.logger.Warn("recovering region from backup after unclean shutdown", "data_used", dataUsed)
		if err := copyFileContents(s.dataPath[dataUsed], s.dataPath[1-dataUsed]); err != nil {
			return fmt.Errorf("persist: crash recovery copy: %w", err)
		}
	}

	ctrlSet(s.ctrlMmap, ctrlOffInUse, 1)
	if err := unix.Msync(s.ctrlMmap, unix.MS_SYNC); err != nil {
		return fmt.Errorf("persist: msync ctrl block: %w", err)
	}

	dataUsed = 1 - dataUsed
	ctrlSet(s.ctrlMmap, ctrlOffDataUsed, dataUsed)

	liveFile, err := os.OpenFile(s.dataPath[dataUsed], os.O_RDWR, 0o666)
	if err != nil {
		return fmt.Errorf("persist: open live data file: %w", err)
	}
	s.dataFile[dataUsed] = liveFile

	backupFile, err := os.OpenFile(s.dataPath[1-dataUsed], os.O_RDWR, 0o666)
	if err != nil {
		liveFile.Close()
		return fmt.Errorf("persist: open backup data file: %w", err)
	}
	s.dataFile[1-dataUsed] = backupFile

	info, err := liveFile.Stat()
	if err != nil {
		return fmt.Errorf("persist: stat live data file: %w", err)
	}

	s.size = uint64(info.Size())
	s.lastSize = s.size
	s.liveIdx = int(dataUsed)
	s.dataUsed = int(dataUsed)

	region, err := unix.Mmap(int(liveFile.Fd()), 0, int(s.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("persist: mmap live region: %w", err)
	}
	s.region = region
	s.dirty = newDirtyBitmap(s.size / PageSize)
	return nil
}

// mirrorFile overwrites dst's full contents with src's, using file
// descriptors the caller already owns.
func mirrorFile(dst, src *os.File) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	info, err := src.Stat()
	if err != nil {
		return err
	}
	if err := dst.Truncate(0); err != nil {
		return err
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.CopyN(dst, src, info.Size()); err != nil {
		return err
	}
	return dst.Sync()
}

func copyFileContents(dstPath, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Sync()
}

// IsNew reports whether this store was just created and still needs its
// region laid out by the caller before FinalizeInit is called.
func (s *Store) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isNew
}

// Region returns the current live mapping. Callers must not retain it
// across a Grow call, which may replace it with a new slice.
func (s *Store) Region() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region
}

// MarkDirty implements chunk.Dirtier by recording every page touched by
// [off, off+length) in the in-memory dirty bitmap.
func (s *Store) MarkDirty(off, length uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty.markRange(off, length)
}

// commitMemChanges msyncs every dirty page of the live region, the Go
// analogue of commit_mem_changes.
func (s *Store) commitMemChanges() error {
	page, ok := s.dirty.nextSet(0)
	for ok {
		start := page * PageSize
		end := start + PageSize
		if end > uint64(len(s.region)) {
			end = uint64(len(s.region))
		}
		if err := unix.Msync(s.region[start:end], unix.MS_SYNC); err != nil {
			return fmt.Errorf("persist: msync page %d: %w", page, err)
		}
		page, ok = s.dirty.nextSet(page + 1)
	}
	return nil
}

// Grow extends the live data file and region to at least newSize bytes,
// the GrowFunc the arena layer hands to freelist.Alloc. It mirrors
// increase_storage_by: commit in-flight pages, remap the file larger, and
// resize the dirty bitmap to match.
func (s *Store) Grow(newSize uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newSize <= s.size {
		return s.region, nil
	}

	if err := s.commitMemChanges(); err != nil {
		return nil, err
	}
	if err := unix.Munmap(s.region); err != nil {
		return nil, fmt.Errorf("persist: munmap before grow: %w", err)
	}

	f := s.dataFile[s.liveIdx]
	if err := f.Truncate(int64(newSize)); err != nil {
		return nil, fmt.Errorf("persist: truncate data file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("persist: fsync data file: %w", err)
	}

	region, err := unix.Mmap(int(f.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("persist: remap grown region: %w", err)
	}

	s.region = region
	s.size = newSize
	s.dirty.resize(newSize / PageSize)
	return region, nil
}

// Commit makes the in-flight changes durable: it mirrors them into the
// backup file and swaps which file is considered the live, committed one.
func (s *Store) Commit() error {
	return s.submitChanges(false)
}

// Rewind discards in-flight changes since the last Commit, restoring the
// live region from the backup file. Used for explicit rollback and by
// Close to undo any uncommitted work before shutting down.
func (s *Store) Rewind() error {
	return s.submitChanges(true)
}

// submitChanges applies or discards in-flight changes depending on reverse,
// used by both Commit and Rewind.
func (s *Store) submitChanges(reverse bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.commitMemChanges(); err != nil {
		return err
	}

	backupIdx := 1 - s.liveIdx
	var backupSize uint64

	if !reverse {
		if err := s.dataFile[backupIdx].Truncate(int64(s.size)); err != nil {
			return fmt.Errorf("persist: grow backup file: %w", err)
		}
		if err := s.dataFile[backupIdx].Sync(); err != nil {
			return fmt.Errorf("persist: fsync backup file: %w", err)
		}
		backupSize = s.size
	} else {
		if err := s.dataFile[s.liveIdx].Truncate(int64(s.lastSize)); err != nil {
			return fmt.Errorf("persist: shrink live file: %w", err)
		}
		if err := s.dataFile[s.liveIdx].Sync(); err != nil {
			return fmt.Errorf("persist: fsync live file: %w", err)
		}
		backupSize = s.lastSize
	}

	backupRegion, err := unix.Mmap(int(s.dataFile[backupIdx].Fd()), 0, int(backupSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("persist: mmap backup file: %w", err)
	}
	defer unix.Munmap(backupRegion)

	page, ok := s.dirty.nextSet(0)
	for ok {
		start := page * PageSize
		end := start + PageSize
		if end > backupSize {
			break
		}
		if !reverse {
			copy(backupRegion[start:end], s.region[start:end])
			if err := unix.Msync(backupRegion[start:end], unix.MS_SYNC); err != nil {
				return fmt.Errorf("persist: msync backup page %d: %w", page, err)
			}
		} else {
			copy(s.region[start:end], backupRegion[start:end])
			if err := unix.Msync(s.region[start:end], unix.MS_SYNC); err != nil {
				return fmt.Errorf("persist: msync live page %d: %w", page, err)
			}
		}
		page, ok = s.dirty.nextSet(page + 1)
	}

	s.dirty.clear()
	s.dirty.resize(backupSize / PageSize)

	if !reverse {
		s.lastSize = backupSize
		// liveIdx never changes within a process's lifetime; backupIdx (the
		// file that now holds a fresh, fully committed mirror) is what gets
		// persisted for the next process's Open to pick up.
		s.dataUsed = backupIdx
		ctrlSet(s.ctrlMmap, ctrlOffDataUsed, uint64(s.dataUsed))
		ctrlSet(s.ctrlMmap, ctrlOffLastSize, s.lastSize)
		if err := unix.Msync(s.ctrlMmap, unix.MS_SYNC); err != nil {
			return fmt.Errorf("persist: msync ctrl block: %w", err)
		}
	} else {
		s.size = s.lastSize
	}
	return nil
}

// Close performs a clean shutdown: any uncommitted changes are discarded
// via an unconditional rewind, both data files are truncated to the last
// committed size, and the control block is marked not-in-use so a later
// Open doesn't trigger crash recovery.
func (s *Store) Close() error {
	if err := s.Rewind(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := unix.Munmap(s.region); err != nil {
		return fmt.Errorf("persist: munmap region: %w", err)
	}
	for i := 0; i < 2; i++ {
		if s.dataFile[i] == nil {
			continue
		}
		_ = s.dataFile[i].Truncate(int64(s.lastSize))
		s.dataFile[i].Close()
	}

	ctrlSet(s.ctrlMmap, ctrlOffInUse, 0)
	if err := unix.Msync(s.ctrlMmap, unix.MS_SYNC); err != nil {
		return fmt.Errorf("persist: msync ctrl block: %w", err)
	}
	if err := unix.Munmap(s.ctrlMmap); err != nil {
		return fmt.Errorf("persist: munmap ctrl: %w", err)
	}
	return s.ctrlFile.Close()
}
