package acpi

import (
	"bytes"
	"encoding/binary"
)

// tableWriter lays tables out back to back in one buffer, fixing up each
// table's length and checksum as it is appended and returning the
// guest-physical address each table will occupy.
type tableWriter struct {
	buf  bytes.Buffer
	base uint64
	oem  OEMInfo
}

func newTableWriter(base uint64, oem OEMInfo) *tableWriter {
	return &tableWriter{base: base, oem: oem}
}

type tableParams struct {
	Signature  [4]byte
	Revision   uint8
	OEMTableID [8]byte
	Body       []byte
}

// Append writes one table (36-byte header plus body) and returns its
// guest-physical address. Tables are 8-byte aligned.
func (w *tableWriter) Append(params tableParams) uint64 {
	start := w.buf.Len()
	w.buf.Grow(36 + len(params.Body))

	header := make([]byte, 36)
	copy(header[:4], params.Signature[:])
	header[8] = params.Revision
	copy(header[10:16], w.oem.OEMID[:])

	id := params.OEMTableID
	if id == ([8]byte{}) {
		id = w.oem.OEMTableID
	}
	copy(header[16:24], id[:])

	binary.LittleEndian.PutUint32(header[24:28], w.oem.OEMRevision)
	copy(header[28:32], w.oem.CreatorID[:])
	binary.LittleEndian.PutUint32(header[32:36], w.oem.CreatorRevision)

	w.buf.Write(header)
	w.buf.Write(params.Body)

	table := w.buf.Bytes()[start:]
	binary.LittleEndian.PutUint32(table[4:8], uint32(len(table)))
	table[9] = checksum(table)

	if pad := len(table) % 8; pad != 0 {
		w.buf.Write(make([]byte, 8-pad))
	}

	return w.base + uint64(start)
}

func (w *tableWriter) Bytes() []byte {
	return w.buf.Bytes()
}

// checksum returns the byte that makes the block sum to zero modulo 256.
func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return byte(0 - sum)
}

func sig(name string) [4]byte {
	var out [4]byte
	copy(out[:], name)
	return out
}

func tableID(name string) [8]byte {
	var out [8]byte
	copy(out[:], name)
	return out
}
