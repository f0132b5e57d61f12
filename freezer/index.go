package freezer

import "encoding/binary"

// indexEntry contains the number of the data file that an item resides in, as
// well as the offset within that file at which the item ends. The entry at
// position zero is a sentinel marking the start of the first item, all later
// entries bound the byte range of one item each.
type indexEntry struct {
	filenum uint32
	offset  uint32
}

const indexEntrySize = 8

// unmarshalBinary deserializes the first indexEntrySize bytes of b.
func (i *indexEntry) unmarshalBinary(b []byte) {
	i.filenum = binary.BigEndian.Uint32(b[:4])
	i.offset = binary.BigEndian.Uint32(b[4:8])
}

// marshallBinary serializes the index entry into binary.
func (i *indexEntry) marshallBinary() []byte {
	b := make([]byte, indexEntrySize)
	binary.BigEndian.PutUint32(b[:4], i.filenum)
	binary.BigEndian.PutUint32(b[4:8], i.offset)
	return b
}
