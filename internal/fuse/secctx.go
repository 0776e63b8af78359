package fuse

import (
	"bytes"
	"encoding/binary"
)

// parseSelinuxXattr scans the security context block that may follow the
// names of a create-style request and returns the security.selinux value,
// or nil when the block is absent or carries no such entry.
func parseSelinuxXattr(buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf) < secctxHeaderSize {
		return nil, ErrInvalidHeaderLength
	}

	var hdr SecctxHeader
	if _, err := binary.Decode(buf, binary.LittleEndian, &hdr); err != nil {
		return nil, ErrDecodeMessage
	}
	if hdr.NrSecctx > MaxNrSecctx {
		return nil, nil
	}

	pos := uint64(secctxHeaderSize)
	for i := uint32(0); i < hdr.NrSecctx; i++ {
		if pos+secctxSize > uint64(len(buf)) || pos+secctxSize > uint64(hdr.Size) {
			return nil, ErrInvalidHeaderLength
		}
		var ctx Secctx
		if _, err := binary.Decode(buf[pos:pos+secctxSize], binary.LittleEndian, &ctx); err != nil {
			return nil, ErrDecodeMessage
		}
		pos += secctxSize

		parts, used, err := splitCStrings(buf[pos:], 2)
		if err != nil {
			return nil, err
		}
		name, value := parts[0], parts[1]

		pos += uint64(used)
		if pos > uint64(hdr.Size) {
			return nil, ErrInvalidHeaderLength
		}
		if uint64(len(value))+1 != uint64(ctx.Size) {
			return nil, ErrInvalidHeaderLength
		}
		if bytes.Equal(name, []byte(selinuxXattrName)) {
			return value, nil
		}
	}

	padded, ok := align8(pos)
	if !ok || padded != uint64(hdr.Size) {
		return nil, ErrInvalidHeaderLength
	}
	return nil, nil
}
