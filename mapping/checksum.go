package mapping

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// ComputeChecksum derives a checksum from the table contents. The console
// computes its own value; this is used when acting as the console (emulator)
// so that a changed table yields a changed checksum.
func ComputeChecksum(t *Table) uint32 {
	if t == nil {
		return 0
	}
	var buf []byte
	t.Entries(func(e Entry) {
		buf = append(buf, byte(e.Kind))
		buf = append(buf, byte(e.Fighter))
		buf = binary.BigEndian.AppendUint16(buf, e.ID)
		buf = append(buf, e.Name...)
		buf = append(buf, 0)
	})
	// Fold to 32 bits; the wire carries a u32.
	return uint32(xxh3.Hash(buf))
}
