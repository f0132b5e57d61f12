package freezer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// getChunk creates a chunk of the given size, filled with the given byte.
func getChunk(size int, b int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(b)
	}
	return data
}

func TestTableRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		compress := compress
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			tab, err := newTable(t.TempDir(), "test", compress, 1<<20, 16)
			if err != nil {
				t.Fatalf("failed to open table: %v", err)
			}
			defer tab.Close()

			sizes := []int{0, 1, 63, 256, 4095}
			for i, size := range sizes {
				if err := tab.Append(uint64(i), getChunk(size, i)); err != nil {
					t.Fatalf("item %d: failed to append: %v", i, err)
				}
			}
			for i, size := range sizes {
				blob, err := tab.Retrieve(uint64(i))
				if err != nil {
					t.Fatalf("item %d: failed to retrieve: %v", i, err)
				}
				if !bytes.Equal(blob, getChunk(size, i)) {
					t.Fatalf("item %d: content mismatch", i)
				}
			}
			if _, err := tab.Retrieve(uint64(len(sizes))); !errors.Is(err, ErrNotFound) {
				t.Fatalf("retrieval past the end: have %v, want %v", err, ErrNotFound)
			}
		})
	}
}

// Appending three 600 byte items to a table capped at 1500 bytes must close
// the first data file at 1200 bytes and start the third item at offset zero
// of the second file.
func TestTableFileRotation(t *testing.T) {
	dir := t.TempDir()
	tab, err := newTable(dir, "test", false, 1500, 16)
	if err != nil {
		t.Fatalf("failed to open table: %v", err)
	}
	defer tab.Close()

	for i := 0; i < 3; i++ {
		if err := tab.Append(uint64(i), getChunk(600, i)); err != nil {
			t.Fatalf("item %d: failed to append: %v", i, err)
		}
	}
	// Verify the byte ranges recorded in the index
	for i, want := range []struct {
		start, end, filenum uint32
	}{
		{0, 600, 0},
		{600, 1200, 0},
		{0, 600, 1},
	} {
		start, end, filenum, err := tab.getBounds(uint64(i))
		if err != nil {
			t.Fatalf("item %d: failed to read bounds: %v", i, err)
		}
		if start != want.start || end != want.end || filenum != want.filenum {
			t.Fatalf("item %d: bounds mismatch: have [%d, %d) in file %d, want [%d, %d) in file %d",
				i, start, end, filenum, want.start, want.end, want.filenum)
		}
	}
	// Verify the physical file sizes
	for i, want := range []int64{1200, 600} {
		stat, err := os.Stat(filepath.Join(dir, fmt.Sprintf("test.%04d.dat", i)))
		if err != nil {
			t.Fatalf("file %d: failed to stat: %v", i, err)
		}
		if stat.Size() != want {
			t.Fatalf("file %d: size mismatch: have %d, want %d", i, stat.Size(), want)
		}
	}
	blob, err := tab.Retrieve(2)
	if err != nil {
		t.Fatalf("failed to retrieve item 2: %v", err)
	}
	if !bytes.Equal(blob, getChunk(600, 2)) {
		t.Fatalf("item 2: content mismatch")
	}
}

// A compressible item must occupy fewer bytes on disk than its logical size
// and still round-trip exactly.
func TestTableCompression(t *testing.T) {
	dir := t.TempDir()
	tab, err := newTable(dir, "test", true, 1<<20, 16)
	if err != nil {
		t.Fatalf("failed to open table: %v", err)
	}
	defer tab.Close()

	payload := make([]byte, 10*1024)
	if err := tab.Append(0, payload); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	_, end, _, err := tab.getBounds(0)
	if err != nil {
		t.Fatalf("failed to read bounds: %v", err)
	}
	if int(end) >= len(payload) {
		t.Fatalf("stored size not compressed: have %d, want < %d", end, len(payload))
	}
	blob, err := tab.Retrieve(0)
	if err != nil {
		t.Fatalf("failed to retrieve: %v", err)
	}
	if !bytes.Equal(blob, payload) {
		t.Fatalf("content mismatch after decompression")
	}
}

func TestTableOversizedItem(t *testing.T) {
	tab, err := newTable(t.TempDir(), "test", false, 50, 16)
	if err != nil {
		t.Fatalf("failed to open table: %v", err)
	}
	defer tab.Close()

	if err := tab.Append(0, getChunk(100, 0xff)); !errors.Is(err, ErrOversized) {
		t.Fatalf("oversized append: have %v, want %v", err, ErrOversized)
	}
	if tab.items != 0 {
		t.Fatalf("item count mutated by rejected append: have %d, want 0", tab.items)
	}
	// The table must remain usable
	if err := tab.Append(0, getChunk(10, 0x11)); err != nil {
		t.Fatalf("failed to append after rejection: %v", err)
	}
}

func TestTableOutOfOrderAppend(t *testing.T) {
	tab, err := newTable(t.TempDir(), "test", false, 1<<20, 16)
	if err != nil {
		t.Fatalf("failed to open table: %v", err)
	}
	defer tab.Close()

	if err := tab.Append(5, getChunk(10, 0)); err == nil {
		t.Fatalf("out of order append accepted")
	}
}

func TestTableTruncate(t *testing.T) {
	dir := t.TempDir()
	tab, err := newTable(dir, "test", false, 40, 16)
	if err != nil {
		t.Fatalf("failed to open table: %v", err)
	}
	defer tab.Close()

	// 30 byte items with a 40 byte cap mean one data file per item
	for i := 0; i < 5; i++ {
		if err := tab.Append(uint64(i), getChunk(30, i)); err != nil {
			t.Fatalf("item %d: failed to append: %v", i, err)
		}
	}
	if err := tab.truncate(6); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("truncation past the end: have %v, want %v", err, ErrOutOfRange)
	}
	if err := tab.truncate(3); err != nil {
		t.Fatalf("failed to truncate: %v", err)
	}
	if tab.items != 3 {
		t.Fatalf("item count mismatch: have %d, want 3", tab.items)
	}
	// Files holding discarded items must be gone
	for _, num := range []int{3, 4} {
		if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("test.%04d.dat", num))); !os.IsNotExist(err) {
			t.Fatalf("data file %d not deleted: %v", num, err)
		}
	}
	if _, err := tab.Retrieve(3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("discarded item retrievable: have %v, want %v", err, ErrNotFound)
	}
	blob, err := tab.Retrieve(2)
	if err != nil {
		t.Fatalf("failed to retrieve item 2: %v", err)
	}
	if !bytes.Equal(blob, getChunk(30, 2)) {
		t.Fatalf("item 2: content mismatch")
	}
	// Truncating to the current count is a no-op
	if err := tab.truncate(3); err != nil {
		t.Fatalf("idempotent truncation failed: %v", err)
	}
	// New appends continue from the truncation point
	if err := tab.Append(3, getChunk(30, 33)); err != nil {
		t.Fatalf("failed to append after truncation: %v", err)
	}
	blob, err = tab.Retrieve(3)
	if err != nil {
		t.Fatalf("failed to retrieve replacement item: %v", err)
	}
	if !bytes.Equal(blob, getChunk(30, 33)) {
		t.Fatalf("replacement item: content mismatch")
	}
}

func TestTableReopen(t *testing.T) {
	dir := t.TempDir()
	tab, err := newTable(dir, "test", true, 150, 16)
	if err != nil {
		t.Fatalf("failed to open table: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := tab.Append(uint64(i), getChunk(100, i)); err != nil {
			t.Fatalf("item %d: failed to append: %v", i, err)
		}
	}
	tab.Close()

	tab, err = newTable(dir, "test", true, 150, 16)
	if err != nil {
		t.Fatalf("failed to reopen table: %v", err)
	}
	defer tab.Close()

	if tab.items != 10 {
		t.Fatalf("item count mismatch after reopen: have %d, want 10", tab.items)
	}
	for i := 0; i < 10; i++ {
		blob, err := tab.Retrieve(uint64(i))
		if err != nil {
			t.Fatalf("item %d: failed to retrieve after reopen: %v", i, err)
		}
		if !bytes.Equal(blob, getChunk(100, i)) {
			t.Fatalf("item %d: content mismatch after reopen", i)
		}
	}
}

// A crash may leave payload bytes in the data file whose index entry never
// made it to disk. Reopening must trim the data file back to the indexed
// length.
func TestTableRepairDanglingHead(t *testing.T) {
	dir := t.TempDir()
	tab, err := newTable(dir, "test", false, 1<<20, 16)
	if err != nil {
		t.Fatalf("failed to open table: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := tab.Append(uint64(i), getChunk(30, i)); err != nil {
			t.Fatalf("item %d: failed to append: %v", i, err)
		}
	}
	tab.Close()

	// Simulate a torn append
	file, err := os.OpenFile(filepath.Join(dir, "test.0000.dat"), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("failed to open data file: %v", err)
	}
	file.Write(getChunk(17, 0xaa))
	file.Close()

	tab, err = newTable(dir, "test", false, 1<<20, 16)
	if err != nil {
		t.Fatalf("failed to reopen table: %v", err)
	}
	defer tab.Close()

	if tab.items != 2 {
		t.Fatalf("item count mismatch after repair: have %d, want 2", tab.items)
	}
	stat, err := os.Stat(filepath.Join(dir, "test.0000.dat"))
	if err != nil {
		t.Fatalf("failed to stat data file: %v", err)
	}
	if stat.Size() != 60 {
		t.Fatalf("dangling bytes not trimmed: have %d, want 60", stat.Size())
	}
}

// A crash may leave index entries pointing past the end of the data file.
// Reopening must discard them, partial trailing entries included.
func TestTableRepairDanglingIndex(t *testing.T) {
	dir := t.TempDir()
	tab, err := newTable(dir, "test", false, 1<<20, 16)
	if err != nil {
		t.Fatalf("failed to open table: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := tab.Append(uint64(i), getChunk(30, i)); err != nil {
			t.Fatalf("item %d: failed to append: %v", i, err)
		}
	}
	tab.Close()

	file, err := os.OpenFile(filepath.Join(dir, "test.idx"), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("failed to open index file: %v", err)
	}
	entry := indexEntry{filenum: 0, offset: 90} // data file only holds 60 bytes
	file.Write(entry.marshallBinary())
	file.Write([]byte{0xde, 0xad, 0xbe}) // plus a torn partial entry
	file.Close()

	tab, err = newTable(dir, "test", false, 1<<20, 16)
	if err != nil {
		t.Fatalf("failed to reopen table: %v", err)
	}
	defer tab.Close()

	if tab.items != 2 {
		t.Fatalf("item count mismatch after repair: have %d, want 2", tab.items)
	}
	for i := 0; i < 2; i++ {
		blob, err := tab.Retrieve(uint64(i))
		if err != nil {
			t.Fatalf("item %d: failed to retrieve after repair: %v", i, err)
		}
		if !bytes.Equal(blob, getChunk(30, i)) {
			t.Fatalf("item %d: content mismatch after repair", i)
		}
	}
}

// Forcing a failure at every durability checkpoint and reopening must always
// come back to a consistent table holding every acknowledged item.
func TestTableFaultCheckpoints(t *testing.T) {
	tests := []struct {
		checkpoint string
		items      uint64 // expected item count after reopen
	}{
		// The second append overflows the 100 byte cap, so the rotation
		// checkpoints fire before anything is written.
		{hookBeforeRotate, 1},
		{hookAfterWrite, 1},
		{hookBeforeDataSync, 1},
		{hookBeforeIndexWrite, 1},
		// The index entry is already written by this point; with the data
		// fully synced the reopened table keeps the item.
		{hookBeforeIndexSync, 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.checkpoint, func(t *testing.T) {
			dir := t.TempDir()
			tab, err := newTable(dir, "test", false, 100, 16)
			if err != nil {
				t.Fatalf("failed to open table: %v", err)
			}
			if err := tab.Append(0, getChunk(60, 0)); err != nil {
				t.Fatalf("failed to append: %v", err)
			}
			injected := errors.New("injected fault")
			tab.fault = func(checkpoint string) error {
				if checkpoint == tt.checkpoint {
					return injected
				}
				return nil
			}
			if err := tab.Append(1, getChunk(60, 1)); !errors.Is(err, injected) {
				t.Fatalf("append survived fault: have %v, want %v", err, injected)
			}
			tab.Close()

			tab, err = newTable(dir, "test", false, 100, 16)
			if err != nil {
				t.Fatalf("failed to reopen table: %v", err)
			}
			defer tab.Close()

			if tab.items != tt.items {
				t.Fatalf("item count mismatch after crash: have %d, want %d", tab.items, tt.items)
			}
			for i := uint64(0); i < tt.items; i++ {
				blob, err := tab.Retrieve(i)
				if err != nil {
					t.Fatalf("item %d: failed to retrieve after crash: %v", i, err)
				}
				if !bytes.Equal(blob, getChunk(60, int(i))) {
					t.Fatalf("item %d: content mismatch after crash", i)
				}
			}
		})
	}
}

// Content that fails to decompress marks the whole table corrupted: even
// items that are still intact are refused until the table is reopened.
func TestTableCorruptionDetection(t *testing.T) {
	dir := t.TempDir()
	tab, err := newTable(dir, "test", true, 1<<20, 16)
	if err != nil {
		t.Fatalf("failed to open table: %v", err)
	}
	defer tab.Close()

	for i := 0; i < 2; i++ {
		if err := tab.Append(uint64(i), getChunk(256, i)); err != nil {
			t.Fatalf("item %d: failed to append: %v", i, err)
		}
	}
	// Overwrite the first item's stored bytes with garbage that cannot be a
	// valid snappy frame
	start, end, _, err := tab.getBounds(0)
	if err != nil {
		t.Fatalf("failed to read bounds: %v", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, "test.0000.dat"), os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("failed to open data file: %v", err)
	}
	if _, err := file.WriteAt(getChunk(int(end-start), 0xff), int64(start)); err != nil {
		t.Fatalf("failed to corrupt data file: %v", err)
	}
	file.Close()

	if _, err := tab.Retrieve(0); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("corrupted retrieval: have %v, want %v", err, ErrCorrupted)
	}
	// The intact second item must be refused as well now
	if _, err := tab.Retrieve(1); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("read after corruption: have %v, want %v", err, ErrCorrupted)
	}
}

// Truncation must purge the read cache, so that a replacement item written at
// a recycled index is actually read from disk.
func TestTableCacheInvalidation(t *testing.T) {
	tab, err := newTable(t.TempDir(), "test", false, 1<<20, 16)
	if err != nil {
		t.Fatalf("failed to open table: %v", err)
	}
	defer tab.Close()

	if err := tab.Append(0, getChunk(30, 1)); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	// Prime the cache
	if _, err := tab.Retrieve(0); err != nil {
		t.Fatalf("failed to retrieve: %v", err)
	}
	if err := tab.truncate(0); err != nil {
		t.Fatalf("failed to truncate: %v", err)
	}
	if _, err := tab.Retrieve(0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cache served a truncated item: %v", err)
	}
	if err := tab.Append(0, getChunk(30, 2)); err != nil {
		t.Fatalf("failed to append replacement: %v", err)
	}
	blob, err := tab.Retrieve(0)
	if err != nil {
		t.Fatalf("failed to retrieve replacement: %v", err)
	}
	if !bytes.Equal(blob, getChunk(30, 2)) {
		t.Fatalf("stale cache content survived truncation")
	}
}

// Readers must be able to retrieve already frozen items while the writer
// keeps appending and rotating files.
func TestTableConcurrentReads(t *testing.T) {
	tab, err := newTable(t.TempDir(), "test", false, 1024, 16)
	if err != nil {
		t.Fatalf("failed to open table: %v", err)
	}
	defer tab.Close()

	const frozen = 64
	for i := 0; i < frozen; i++ {
		if err := tab.Append(uint64(i), getChunk(100, i)); err != nil {
			t.Fatalf("item %d: failed to append: %v", i, err)
		}
	}
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for n := 0; n < 1000; n++ {
				item := uint64((seed + n) % frozen)
				blob, err := tab.Retrieve(item)
				if err != nil {
					t.Errorf("item %d: failed to retrieve: %v", item, err)
					return
				}
				if !bytes.Equal(blob, getChunk(100, int(item))) {
					t.Errorf("item %d: content mismatch", item)
					return
				}
			}
		}(r)
	}
	for i := frozen; i < 2*frozen; i++ {
		if err := tab.Append(uint64(i), getChunk(100, i)); err != nil {
			t.Fatalf("item %d: failed to append: %v", i, err)
		}
	}
	wg.Wait()
}
