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
	"os"
	"sync/atomic"

	"github.com/prometheus/tsdb/fileutil"
)

// mapRef is a reference counted read-only memory mapping. The owner reference
// is dropped when the mapping is superseded or its file closed; readers retain
// the mapping for the duration of a copy, so the pages are never unmapped
// underneath them.
type mapRef struct {
	mm   *fileutil.MmapFile
	refs int32
}

// retain takes an additional reference on the mapping, failing if the last
// reference was already dropped.
func (r *mapRef) retain() bool {
	for {
		refs := atomic.LoadInt32(&r.refs)
		if refs <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&r.refs, refs, refs+1) {
			return true
		}
	}
}

// release drops one reference, unmapping the file when the last one is gone.
func (r *mapRef) release() {
	if atomic.AddInt32(&r.refs, -1) == 0 {
		r.mm.Close()
	}
}

// dataFile pairs the descriptor of one numbered data file with a read-only
// mapping of its fsynced prefix. The mapping handle is swapped atomically
// whenever the durable length grows, so concurrent readers observe either the
// complete previous mapping or the complete new one, never a torn region.
type dataFile struct {
	num     uint32
	file    *os.File
	mapping atomic.Value // *mapRef, typed nil while the file is empty
}

func newDataFile(num uint32, file *os.File) *dataFile {
	return &dataFile{num: num, file: file}
}

// remap replaces the file's read-only mapping with a fresh one covering the
// current length. Superseded mappings stay alive until their last concurrent
// reader releases them.
func (df *dataFile) remap() error {
	stat, err := df.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() == 0 {
		df.unmap()
		return nil
	}
	mm, err := fileutil.OpenMmapFile(df.file.Name())
	if err != nil {
		return err
	}
	prev, _ := df.mapping.Swap(&mapRef{mm: mm, refs: 1}).(*mapRef)
	if prev != nil {
		prev.release()
	}
	return nil
}

// unmap drops the current mapping, if any.
func (df *dataFile) unmap() {
	prev, _ := df.mapping.Swap((*mapRef)(nil)).(*mapRef)
	if prev != nil {
		prev.release()
	}
}

// read copies the byte range [start, end) out of the file, preferring the
// mapped view and falling back to a positional read for regions that are not
// covered by a mapping yet.
func (df *dataFile) read(start, end uint32) ([]byte, error) {
	blob := make([]byte, end-start)
	if len(blob) == 0 {
		return blob, nil
	}
	if r, _ := df.mapping.Load().(*mapRef); r != nil && r.retain() {
		if mapped := r.mm.Bytes(); int(end) <= len(mapped) {
			copy(blob, mapped[start:end])
			r.release()
			return blob, nil
		}
		r.release()
	}
	if _, err := df.file.ReadAt(blob, int64(start)); err != nil {
		return nil, err
	}
	return blob, nil
}

// close releases the mapping and the file descriptor.
func (df *dataFile) close() error {
	df.unmap()
	return df.file.Close()
}
