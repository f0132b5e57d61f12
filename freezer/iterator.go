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

import "math"

// RangeIterator iterates a contiguous run of items in one freezer table. It
// is lazy: each item is read from disk when Next is called, and the iteration
// stops at the first item that fails to load, exposing the failure through
// Error. Obtaining a fresh iterator restarts the walk.
type RangeIterator struct {
	table *freezerTable
	next  uint64
	limit uint64
	value []byte
	err   error
}

func newRangeIterator(table *freezerTable, start, count uint64) *RangeIterator {
	limit := start + count
	if limit < start {
		limit = math.MaxUint64
	}
	return &RangeIterator{table: table, next: start, limit: limit}
}

// Next advances the iterator to the next item, reporting whether one was
// loaded.
func (it *RangeIterator) Next() bool {
	if it.err != nil || it.table == nil || it.next >= it.limit {
		return false
	}
	blob, err := it.table.Retrieve(it.next)
	if err != nil {
		it.err = err
		it.value = nil
		return false
	}
	it.value = blob
	it.next++
	return true
}

// Value returns the current item. The returned slice must not be modified and
// is only valid until the next call to Next.
func (it *RangeIterator) Value() []byte {
	return it.value
}

// Error returns the failure that stopped the iteration, if any. Exhausting
// the requested range is not a failure.
func (it *RangeIterator) Error() error {
	return it.err
}

// Release disposes of the iterator. It is safe to call more than once.
func (it *RangeIterator) Release() {
	it.table = nil
	it.value = nil
}
