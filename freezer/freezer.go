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

// Package freezer implements an append-only store for finalized chain
// history. Each column of history lives in its own table, made up of an index
// file and a set of size-capped flat data files that are memory mapped for
// reads. The freezer coordinates the tables so that they always hold the same
// number of items, surviving crashes in the middle of a batch by truncating
// every table back to the shortest one on the next open.
package freezer

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/inconshreveable/log15"
	"github.com/prometheus/tsdb/fileutil"
)

const (
	// lockFileName guards a freezer directory against concurrent processes.
	lockFileName = "FLOCK"

	// DefaultMaxFileSize is the cap applied to data files when Open is given
	// a zero file size.
	DefaultMaxFileSize = 2 * 1000 * 1000 * 1000

	// DefaultCacheItems is the per-table read cache capacity applied when
	// Open is given a zero cache size. A negative cache size disables the
	// cache entirely.
	DefaultCacheItems = 512
)

// Freezer is an append-only database of finalized chain history. The mutable
// key-value store hands it batches of per-table blobs; once the freezer has
// durably stored a batch, the prefix of history below FrozenCount may safely
// be pruned from the live database.
type Freezer struct {
	// WARNING: The `frozen` field is accessed atomically. On 32 bit
	// platforms, only 64-bit aligned fields can be atomic, so keep it first.
	frozen uint64 // Number of items already frozen

	tables       map[string]*freezerTable // Data tables for storing everything
	names        []string                 // Table names, sorted, fixing the batch append order
	instanceLock fileutil.Releaser        // File-system lock to prevent double opens

	logger    log.Logger
	closeOnce sync.Once
}

// Open creates or reopens a freezer in the given directory. The tables map
// lists every column the freezer manages, the value selecting whether that
// table's content is snappy compressed. A zero maxFileSize or cacheItems
// picks the package default.
//
// Open holds an exclusive advisory lock on the directory for the lifetime of
// the returned freezer and fails fast with ErrLocked when another process
// owns it. After a successful Open, every table holds exactly FrozenCount
// items, regardless of how a previous instance died.
func Open(datadir string, tables map[string]bool, maxFileSize uint32, cacheItems int) (*Freezer, error) {
	if len(tables) == 0 {
		return nil, errors.New("freezer: no tables configured")
	}
	if maxFileSize == 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if cacheItems == 0 {
		cacheItems = DefaultCacheItems
	}
	// Leveldbs, freezers and suchlike share the datadir, take our own lock
	if err := os.MkdirAll(datadir, 0755); err != nil {
		return nil, err
	}
	lock, _, err := fileutil.Flock(filepath.Join(datadir, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocked, err)
	}
	f := &Freezer{
		tables:       make(map[string]*freezerTable),
		instanceLock: lock,
		logger:       log.New("database", datadir),
	}
	for name, compress := range tables {
		table, err := newTable(datadir, name, compress, maxFileSize, cacheItems)
		if err != nil {
			for _, tab := range f.tables {
				tab.Close()
			}
			lock.Release()
			return nil, err
		}
		f.tables[name] = table
		f.names = append(f.names, name)
	}
	sort.Strings(f.names)

	// Truncate all tables to common length
	if err := f.repair(); err != nil {
		for _, tab := range f.tables {
			tab.Close()
		}
		lock.Release()
		return nil, err
	}
	f.logger.Info("Opened ancient freezer", "items", f.frozen, "tables", len(f.tables))
	return f, nil
}

// repair truncates all tables to the shortest common item count. A crash in
// the middle of a batch append leaves some tables one item ahead of the
// rest; those surplus items were never acknowledged to the caller, so they
// are discarded.
func (f *Freezer) repair() error {
	min := uint64(math.MaxUint64)
	for _, table := range f.tables {
		items := atomic.LoadUint64(&table.items)
		if min > items {
			min = items
		}
	}
	for _, table := range f.tables {
		if err := table.truncate(min); err != nil {
			return err
		}
	}
	atomic.StoreUint64(&f.frozen, min)
	return nil
}

// FrozenCount returns the number of items the freezer holds. Every index
// below the returned count is durably stored here, so the mutable database
// may prune its own copy of that history.
func (f *Freezer) FrozenCount() uint64 {
	return atomic.LoadUint64(&f.frozen)
}

// Tables returns the names of the configured tables, sorted.
func (f *Freezer) Tables() []string {
	return append([]string(nil), f.names...)
}

// Has reports whether the named table holds an item with the given number.
func (f *Freezer) Has(table string, index uint64) bool {
	t, ok := f.tables[table]
	return ok && t.has(index)
}

// Retrieve returns the item at the given index from the named table.
func (f *Freezer) Retrieve(table string, index uint64) ([]byte, error) {
	t, ok := f.tables[table]
	if !ok {
		return nil, ErrUnknownTable
	}
	return t.Retrieve(index)
}

// RetrieveRange returns a lazy iterator over count consecutive items of the
// named table, starting at start.
func (f *Freezer) RetrieveRange(table string, start, count uint64) (*RangeIterator, error) {
	t, ok := f.tables[table]
	if !ok {
		return nil, ErrUnknownTable
	}
	return newRangeIterator(t, start, count), nil
}

// AppendBatch atomically extends every table with one item. The batch must
// contain exactly one blob per configured table; the tables are appended in
// a fixed deterministic order and the frozen count only advances after the
// last table's fsync. On failure no progress is recorded: tables that
// already wrote their item are one ahead on disk, which the reconciliation
// pass of the next Open rolls back.
func (f *Freezer) AppendBatch(items map[string][]byte) (uint64, error) {
	if len(items) != len(f.tables) {
		return 0, fmt.Errorf("freezer: batch covers %d tables, want %d", len(items), len(f.tables))
	}
	frozen := atomic.LoadUint64(&f.frozen)
	for _, name := range f.names {
		blob, ok := items[name]
		if !ok {
			return 0, fmt.Errorf("freezer: batch missing table %q", name)
		}
		if err := f.tables[name].Append(frozen, blob); err != nil {
			f.logger.Error("Failed to append batch item", "table", name, "number", frozen, "err", err)
			return 0, err
		}
	}
	return atomic.AddUint64(&f.frozen, 1), nil
}

// TruncateAncients discards all items with index >= n from every table and
// lowers the frozen count to n. Like appending, the shared counter is only
// updated after every table's truncation is durable, so a crash mid-way is
// repaired by the next Open exactly like a torn append.
func (f *Freezer) TruncateAncients(n uint64) error {
	frozen := atomic.LoadUint64(&f.frozen)
	if frozen < n {
		return ErrOutOfRange
	}
	if frozen == n {
		return nil
	}
	f.logger.Info("Truncating ancient history", "items", frozen, "limit", n)
	for _, name := range f.names {
		if err := f.tables[name].truncate(n); err != nil {
			return err
		}
	}
	atomic.StoreUint64(&f.frozen, n)
	return nil
}

// Size returns the combined size of the index and data files of the named
// table.
func (f *Freezer) Size(table string) (uint64, error) {
	t, ok := f.tables[table]
	if !ok {
		return 0, ErrUnknownTable
	}
	return t.size()
}

// Sync flushes all tables to disk.
func (f *Freezer) Sync() error {
	var errs []error
	for _, name := range f.names {
		if err := f.tables[name].Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	if errs != nil {
		return fmt.Errorf("%v", errs)
	}
	return nil
}

// DumpIndex prints the index entries of the named table in the given range,
// mainly for debugging and the freezer inspection tool.
func (f *Freezer) DumpIndex(table string, start, stop int64) error {
	t, ok := f.tables[table]
	if !ok {
		return ErrUnknownTable
	}
	t.dumpIndex(start, stop)
	return nil
}

// Close terminates the freezer, flushing and unmapping every table and
// releasing the directory lock. It is safe to call more than once.
func (f *Freezer) Close() error {
	var errs []error
	f.closeOnce.Do(func() {
		for _, table := range f.tables {
			if err := table.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := f.instanceLock.Release(); err != nil {
			errs = append(errs, err)
		}
	})
	if errs != nil {
		return fmt.Errorf("%v", errs)
	}
	return nil
}
