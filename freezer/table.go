// Copyright 2026 The ckb-go Authors
// This file is part of the ckb-go library.
//
// The ckb-go library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ckb-go library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ckb-go library. If not, see <http://www.gnu.org/licenses/>.

package freezer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/inconshreveable/log15"
	"github.com/rcrowley/go-metrics"

	"github.com/quake/ckb/common"
)

// freezerTable represents a single chained data table within the freezer
// (e.g. block bodies). It consists of a data file set (snappy encoded
// arbitrary data blobs) and an index file mapping item numbers to byte
// ranges within those files.
type freezerTable struct {
	// WARNING: The `items` field is accessed atomically. On 32 bit platforms,
	// only 64-bit aligned fields can be atomic, so keep it first in the struct.
	items uint64 // Number of items stored in the table

	noCompression bool   // if true, disables snappy compression
	maxFileSize   uint32 // Max file size for data-files
	name          string
	path          string

	head   *dataFile            // currently appended data file
	files  map[uint32]*dataFile // open data files, mapped once durable
	headId uint32               // number of the currently active head file
	index  *os.File             // descriptor of the index file

	headBytes uint32 // Number of bytes written to the head file
	corrupt   uint32 // set when decompression fails, reads refuse afterwards

	cache *lru.Cache // recently retrieved items, stored decompressed

	readMeter   metrics.Meter   // Meter for measuring the effective amount of data read
	writeMeter  metrics.Meter   // Meter for measuring the effective amount of data written
	sizeCounter metrics.Counter // Counter tracking the data and index size of the table

	fault  faultHook    // nil outside of crash tests
	logger log.Logger   // Logger with database path and table name embedded
	lock   sync.RWMutex // Mutex protecting the data file descriptors
}

// newTable opens a freezer table, creating the data and index files if they
// are non existent. Index and data are cross checked and truncated to a
// mutually consistent length, so a table interrupted mid-append comes back
// at the last durable boundary.
func newTable(path string, name string, compress bool, maxFileSize uint32, cacheItems int) (*freezerTable, error) {
	// Ensure the containing directory exists and open the index file
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	index, err := openFileForAppend(filepath.Join(path, name+".idx"))
	if err != nil {
		return nil, err
	}
	var cache *lru.Cache
	if cacheItems > 0 {
		cache, _ = lru.New(cacheItems)
	}
	// Create the table and repair any past inconsistency
	t := &freezerTable{
		index:         index,
		files:         make(map[uint32]*dataFile),
		cache:         cache,
		name:          name,
		path:          path,
		noCompression: !compress,
		maxFileSize:   maxFileSize,
		readMeter:     metrics.NewRegisteredMeter("freezer/"+name+"/read", nil),
		writeMeter:    metrics.NewRegisteredMeter("freezer/"+name+"/write", nil),
		sizeCounter:   metrics.NewRegisteredCounter("freezer/"+name+"/size", nil),
		logger:        log.New("database", path, "table", name),
	}
	if err := t.repair(); err != nil {
		t.Close()
		return nil, err
	}
	// Initialize the starting size counter
	size, err := t.sizeNolock()
	if err != nil {
		t.Close()
		return nil, err
	}
	t.sizeCounter.Inc(int64(size))

	return t, nil
}

// repair cross checks the head and the index file and truncates them to be in
// sync with each other after a potential crash / data loss.
func (t *freezerTable) repair() error {
	// Create a temporary offset buffer to init files with and read entries into
	buffer := make([]byte, indexEntrySize)

	// If we've just created the files, initialize the index with the sentinel
	stat, err := t.index.Stat()
	if err != nil {
		return err
	}
	if stat.Size() == 0 {
		if _, err := t.index.Write(buffer); err != nil {
			return err
		}
	}
	// Ensure the index is a multiple of indexEntrySize bytes
	if overflow := stat.Size() % indexEntrySize; overflow != 0 {
		if err := truncateFile(t.index, stat.Size()-overflow); err != nil {
			return err
		}
	}
	// Retrieve the file sizes and prepare for truncation
	if stat, err = t.index.Stat(); err != nil {
		return err
	}
	offsetsSize := stat.Size()

	// Read the last entry to figure out which data file is the head
	var lastIndex indexEntry
	if _, err := t.index.ReadAt(buffer, offsetsSize-indexEntrySize); err != nil {
		return err
	}
	lastIndex.unmarshalBinary(buffer)

	if t.head, err = t.openFile(lastIndex.filenum, openFileForAppend); err != nil {
		return err
	}
	if stat, err = t.head.file.Stat(); err != nil {
		return err
	}
	contentSize := stat.Size()

	// Keep truncating both files until they come in sync
	contentExp := int64(lastIndex.offset)

	for contentExp != contentSize {
		// Truncate the head file to the last offset pointer
		if contentExp < contentSize {
			t.logger.Warn("Truncating dangling head", "indexed", common.StorageSize(contentExp), "stored", common.StorageSize(contentSize))
			if err := truncateFile(t.head.file, contentExp); err != nil {
				return err
			}
			contentSize = contentExp
		}
		// Truncate the index to point within the head file
		if contentExp > contentSize {
			t.logger.Warn("Truncating dangling indexes", "indexed", common.StorageSize(contentExp), "stored", common.StorageSize(contentSize))
			if err := truncateFile(t.index, offsetsSize-indexEntrySize); err != nil {
				return err
			}
			offsetsSize -= indexEntrySize
			if _, err := t.index.ReadAt(buffer, offsetsSize-indexEntrySize); err != nil {
				return err
			}
			var newLastIndex indexEntry
			newLastIndex.unmarshalBinary(buffer)
			// We might have slipped back into an earlier head-file here
			if newLastIndex.filenum != lastIndex.filenum {
				// Release earlier opened file
				t.releaseFile(lastIndex.filenum)
				if t.head, err = t.openFile(newLastIndex.filenum, openFileForAppend); err != nil {
					return err
				}
				if stat, err = t.head.file.Stat(); err != nil {
					// A data file has gone missing, we cannot repair that
					return err
				}
				contentSize = stat.Size()
			}
			lastIndex = newLastIndex
			contentExp = int64(lastIndex.offset)
		}
	}
	// Ensure all reparation changes have been written to disk
	if err := t.index.Sync(); err != nil {
		return err
	}
	if err := t.head.file.Sync(); err != nil {
		return err
	}
	// Update the item and byte counters and return
	t.items = uint64(offsetsSize/indexEntrySize - 1) // last entry points to the end of the data file
	t.headBytes = uint32(contentSize)
	t.headId = lastIndex.filenum

	// Close opened files and preopen all files
	if err := t.preopen(); err != nil {
		return err
	}
	t.logger.Debug("Freezer table opened", "items", t.items, "size", common.StorageSize(contentSize))
	return nil
}

// preopen opens all files that the freezer will need, mapping everything that
// is already durable. This method should be called from an init-context, since
// it assumes that it doesn't have to bother with locking. The rationale for
// doing preopen is to not have to do it from within Retrieve, thus not needing
// to ever obtain a write-lock within Retrieve.
func (t *freezerTable) preopen() (err error) {
	// The repair might have already opened (some) files
	t.releaseFilesAfter(0, false)
	// Open all except head in RDONLY
	for i := uint32(0); i < t.headId; i++ {
		if _, err = t.openFile(i, openFileReadOnly); err != nil {
			return err
		}
	}
	// Open head in read/write
	if t.head, err = t.openFile(t.headId, openFileForAppend); err != nil {
		return err
	}
	// Everything on disk survived the repair sync, map it for readers
	for _, df := range t.files {
		if err := df.remap(); err != nil {
			return err
		}
	}
	return nil
}

// Append injects a binary blob at the end of the freezer table. The item
// number is a precautionary parameter to ensure data correctness, but the
// table will reject already existing data.
func (t *freezerTable) Append(item uint64, blob []byte) error {
	// Encode the blob before the lock portion
	if !t.noCompression {
		blob = snappy.Encode(nil, blob)
	}
	// An item that cannot fit an empty data file can never be stored
	if uint64(len(blob)) > uint64(t.maxFileSize) {
		return ErrOversized
	}
	// Read lock prevents competition with truncate
	retry, err := t.append(item, blob, false)
	if err != nil {
		return err
	}
	if retry {
		// Read lock was insufficient, retry with a writelock
		_, err = t.append(item, blob, true)
	}
	return err
}

// append injects a binary blob at the end of the freezer table.
// Normally, inserts do not require holding the write-lock, so it should be
// invoked with 'wlock' set to false. However, if the data will grow the
// current file out of bounds, then this method will return 'true, nil',
// indicating that the caller should retry, this time with 'wlock' set to
// true.
func (t *freezerTable) append(item uint64, encodedBlob []byte, wlock bool) (bool, error) {
	if wlock {
		t.lock.Lock()
		defer t.lock.Unlock()
	} else {
		t.lock.RLock()
		defer t.lock.RUnlock()
	}
	// Ensure the table is still accessible
	if t.index == nil || t.head == nil {
		return false, ErrClosed
	}
	// Ensure only the next item can be written, nothing else
	if atomic.LoadUint64(&t.items) != item {
		return false, fmt.Errorf("appending unexpected item: want %d, have %d", t.items, item)
	}
	bLen := uint32(len(encodedBlob))
	offset := atomic.LoadUint32(&t.headBytes)
	if offset+bLen < bLen || offset+bLen > t.maxFileSize {
		// Writing would overflow, so we need to open a new data file.
		// If we don't already hold the writelock, abort and let the caller
		// invoke this method a second time.
		if !wlock {
			return true, nil
		}
		if err := t.checkpoint(hookBeforeRotate); err != nil {
			return false, err
		}
		// Seal the old head: flush it and demote it to a read-only mapped file
		if err := t.head.file.Sync(); err != nil {
			return false, err
		}
		nextID := atomic.LoadUint32(&t.headId) + 1

		// We open the next file in truncated mode -- if this file already
		// exists, we need to start over from scratch on it
		newHead, err := t.openFile(nextID, openFileTruncated)
		if err != nil {
			return false, err
		}
		// Close old file, and reopen in RDONLY mode
		t.releaseFile(t.headId)
		sealed, err := t.openFile(t.headId, openFileReadOnly)
		if err != nil {
			return false, err
		}
		if err := sealed.remap(); err != nil {
			t.logger.Warn("Failed to map sealed data file", "file", t.headId, "err", err)
		}
		// Swap out the current head
		t.head = newHead
		offset = 0
		atomic.StoreUint32(&t.headBytes, 0)
		atomic.StoreUint32(&t.headId, nextID)
	}
	if _, err := t.head.file.Write(encodedBlob); err != nil {
		truncateFile(t.head.file, int64(offset))
		return false, err
	}
	if err := t.checkpoint(hookAfterWrite); err != nil {
		return false, err
	}
	if err := t.checkpoint(hookBeforeDataSync); err != nil {
		return false, err
	}
	if err := t.head.file.Sync(); err != nil {
		truncateFile(t.head.file, int64(offset))
		return false, err
	}
	newOffset := offset + bLen
	idx := indexEntry{
		filenum: atomic.LoadUint32(&t.headId),
		offset:  newOffset,
	}
	if err := t.checkpoint(hookBeforeIndexWrite); err != nil {
		return false, err
	}
	if _, err := t.index.Write(idx.marshallBinary()); err != nil {
		// Drop whatever made it out, index and data alike
		truncateFile(t.index, int64(item+1)*indexEntrySize)
		truncateFile(t.head.file, int64(offset))
		return false, err
	}
	if err := t.checkpoint(hookBeforeIndexSync); err != nil {
		return false, err
	}
	if err := t.index.Sync(); err != nil {
		truncateFile(t.index, int64(item+1)*indexEntrySize)
		truncateFile(t.head.file, int64(offset))
		return false, err
	}
	// The freshly synced prefix becomes visible to mapped readers
	if err := t.head.remap(); err != nil {
		t.logger.Warn("Failed to remap head file", "err", err)
	}
	t.writeMeter.Mark(int64(bLen + indexEntrySize))
	t.sizeCounter.Inc(int64(bLen + indexEntrySize))

	atomic.StoreUint32(&t.headBytes, newOffset)
	atomic.AddUint64(&t.items, 1)
	return false, nil
}

// getBounds returns the start offset, end offset and file number of the data
// file containing the given item.
func (t *freezerTable) getBounds(item uint64) (uint32, uint32, uint32, error) {
	buffer := make([]byte, indexEntrySize)
	var startIdx, endIdx indexEntry
	if _, err := t.index.ReadAt(buffer, int64((item+1)*indexEntrySize)); err != nil {
		return 0, 0, 0, err
	}
	endIdx.unmarshalBinary(buffer)
	if _, err := t.index.ReadAt(buffer, int64(item*indexEntrySize)); err != nil {
		return 0, 0, 0, err
	}
	startIdx.unmarshalBinary(buffer)
	if startIdx.filenum != endIdx.filenum {
		// If an item 'crosses' a data-file, it's actually in one piece on the
		// second data-file. The first file was sealed short when the rotation
		// happened.
		return 0, endIdx.offset, endIdx.filenum, nil
	}
	return startIdx.offset, endIdx.offset, endIdx.filenum, nil
}

// Retrieve looks up the byte range of the item with the given number and
// returns its content, decompressed when the table stores compressed data.
func (t *freezerTable) Retrieve(item uint64) ([]byte, error) {
	if atomic.LoadUint32(&t.corrupt) != 0 {
		return nil, ErrCorrupted
	}
	if t.cache != nil {
		if cached, ok := t.cache.Get(item); ok {
			blob := cached.([]byte)
			t.readMeter.Mark(int64(len(blob)))
			return blob, nil
		}
	}
	blob, err := t.retrieve(item)
	if err != nil {
		return nil, err
	}
	if !t.noCompression {
		data, err := snappy.Decode(nil, blob)
		if err != nil {
			// Undecodable content means the table's files are damaged. Refuse
			// further reads until the table is reopened and repaired.
			atomic.StoreUint32(&t.corrupt, 1)
			t.logger.Error("Corrupted item in freezer table", "item", item, "err", err)
			return nil, ErrCorrupted
		}
		blob = data
	}
	if t.cache != nil {
		t.cache.Add(item, blob)
	}
	return blob, nil
}

// retrieve fetches the raw binary blob of an item from the data files. This
// method does not decode compressed data.
func (t *freezerTable) retrieve(item uint64) ([]byte, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	// Ensure the table and the item are accessible
	if t.index == nil || t.head == nil {
		return nil, ErrClosed
	}
	if atomic.LoadUint64(&t.items) <= item {
		return nil, ErrNotFound
	}
	startOffset, endOffset, filenum, err := t.getBounds(item)
	if err != nil {
		return nil, err
	}
	dataFile, exist := t.files[filenum]
	if !exist {
		return nil, fmt.Errorf("missing data file %d", filenum)
	}
	blob, err := dataFile.read(startOffset, endOffset)
	if err != nil {
		return nil, err
	}
	t.readMeter.Mark(int64(len(blob) + 2*indexEntrySize))
	return blob, nil
}

// has reports whether the table holds an item with the given number.
func (t *freezerTable) has(number uint64) bool {
	return atomic.LoadUint64(&t.items) > number
}

// truncate discards any recent data above the provided threshold number.
func (t *freezerTable) truncate(items uint64) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.index == nil || t.head == nil {
		return ErrClosed
	}
	existing := atomic.LoadUint64(&t.items)
	if existing < items {
		return ErrOutOfRange
	}
	if existing == items {
		return nil
	}
	// We need to truncate, save the old size for metrics tracking
	oldSize, err := t.sizeNolock()
	if err != nil {
		return err
	}
	logFn := t.logger.Debug
	if existing > items+1 {
		logFn = t.logger.Warn // Only loud warn if we delete multiple items
	}
	logFn("Truncating freezer table", "items", existing, "limit", items)

	// Truncate the index and look up the new last entry
	if err := truncateFile(t.index, int64(items+1)*indexEntrySize); err != nil {
		return err
	}
	buffer := make([]byte, indexEntrySize)
	if _, err := t.index.ReadAt(buffer, int64(items*indexEntrySize)); err != nil {
		return err
	}
	var expected indexEntry
	expected.unmarshalBinary(buffer)

	// We might need to truncate back to older files
	if expected.filenum != t.headId {
		// If already open for reading, force-reopen for writing
		t.releaseFile(expected.filenum)
		newHead, err := t.openFile(expected.filenum, openFileForAppend)
		if err != nil {
			return err
		}
		// Release any files _after the current head -- both the previous head
		// and any files which may have been opened for reading
		t.releaseFilesAfter(expected.filenum, true)
		// Set back the historic head
		t.head = newHead
		atomic.StoreUint32(&t.headId, expected.filenum)
	}
	if err := truncateFile(t.head.file, int64(expected.offset)); err != nil {
		return err
	}
	if err := t.head.file.Sync(); err != nil {
		return err
	}
	if err := t.index.Sync(); err != nil {
		return err
	}
	// The old mapping may cover bytes past the new length, swap it out
	if err := t.head.remap(); err != nil {
		t.logger.Warn("Failed to remap head file", "err", err)
	}
	// All data files truncated, set internal counters and return
	atomic.StoreUint64(&t.items, items)
	atomic.StoreUint32(&t.headBytes, expected.offset)
	if t.cache != nil {
		t.cache.Purge()
	}
	// Retrieve the new size and update the total size counter
	newSize, err := t.sizeNolock()
	if err != nil {
		return err
	}
	t.sizeCounter.Dec(int64(oldSize - newSize))

	return nil
}

// Close closes all opened files and drops their mappings.
func (t *freezerTable) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	var errs []error
	if t.index != nil {
		if err := t.index.Close(); err != nil {
			errs = append(errs, err)
		}
		t.index = nil
	}
	for _, df := range t.files {
		if err := df.close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.files = make(map[uint32]*dataFile)
	t.head = nil

	if errs != nil {
		return fmt.Errorf("%v", errs)
	}
	return nil
}

// openFile assumes that the write-lock is held by the caller.
func (t *freezerTable) openFile(num uint32, opener func(string) (*os.File, error)) (*dataFile, error) {
	if df, exist := t.files[num]; exist {
		return df, nil
	}
	name := fmt.Sprintf("%s.%04d.dat", t.name, num)
	file, err := opener(filepath.Join(t.path, name))
	if err != nil {
		return nil, err
	}
	df := newDataFile(num, file)
	t.files[num] = df
	return df, nil
}

// releaseFile closes a file, and removes it from the open file cache.
// Assumes that the caller holds the write lock.
func (t *freezerTable) releaseFile(num uint32) {
	if df, exist := t.files[num]; exist {
		delete(t.files, num)
		df.close()
	}
}

// releaseFilesAfter closes all open files with a higher number, and
// optionally also deletes the files.
func (t *freezerTable) releaseFilesAfter(num uint32, remove bool) {
	for fnum, df := range t.files {
		if fnum > num {
			delete(t.files, fnum)
			name := df.file.Name()
			df.close()
			if remove {
				os.Remove(name)
			}
		}
	}
}

// size returns the total data size in the freezer table.
func (t *freezerTable) size() (uint64, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.index == nil {
		return 0, ErrClosed
	}
	return t.sizeNolock()
}

// sizeNolock returns the total data size in the freezer table without
// obtaining the mutex first.
func (t *freezerTable) sizeNolock() (uint64, error) {
	stat, err := t.index.Stat()
	if err != nil {
		return 0, err
	}
	total := uint64(t.maxFileSize)*uint64(t.headId) + uint64(atomic.LoadUint32(&t.headBytes)) + uint64(stat.Size())
	return total, nil
}

// Sync pushes any pending data from memory out to disk. This is an expensive
// operation, so use it with care.
func (t *freezerTable) Sync() error {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.index == nil || t.head == nil {
		return ErrClosed
	}
	if err := t.index.Sync(); err != nil {
		return err
	}
	return t.head.file.Sync()
}

// dumpIndex is a debug print utility function, mainly for testing and the
// freezer inspection tool. It can also be used to analyse a live index.
func (t *freezerTable) dumpIndex(start, stop int64) {
	buffer := make([]byte, indexEntrySize)

	fmt.Printf("| number | fileno | offset |\n")
	fmt.Printf("|--------|--------|--------|\n")

	for i := uint64(start); ; i++ {
		if _, err := t.index.ReadAt(buffer, int64(i*indexEntrySize)); err != nil {
			break
		}
		var entry indexEntry
		entry.unmarshalBinary(buffer)
		fmt.Printf("|  %03d   |  %03d   |  %03d   |\n", i, entry.filenum, entry.offset)
		if stop > 0 && i >= uint64(stop) {
			break
		}
	}
	fmt.Printf("|--------------------------|\n")
}
