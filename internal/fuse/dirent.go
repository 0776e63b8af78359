package fuse

import (
	"encoding/binary"
	"math"

	"golang.org/x/sys/unix"
)

var direntPadding [8]byte

// addDirent packs d (preceded by the EntryOut for entry when non-nil) into
// w if it fits in limit bytes. It returns the bytes consumed, or 0 when the
// record does not fit.
func addDirent(w Writer, limit int, d *DirEntry, entry *Entry) (int, error) {
	if uint64(len(d.Name)) > math.MaxUint32 {
		return 0, unix.EOVERFLOW
	}
	direntLen := uint64(direntSize) + uint64(len(d.Name))
	padded, ok := align8(direntLen)
	if !ok {
		return 0, unix.EOVERFLOW
	}
	total := padded
	if entry != nil {
		total += entryOutSize
	}
	if uint64(limit) < total {
		return 0, nil
	}

	if entry != nil {
		if err := writeStruct(w, NewEntryOut(*entry)); err != nil {
			return 0, err
		}
	}

	var hdr [direntSize]byte
	binary.LittleEndian.PutUint64(hdr[0:], d.Ino)
	binary.LittleEndian.PutUint64(hdr[8:], d.Offset)
	binary.LittleEndian.PutUint32(hdr[16:], uint32(len(d.Name)))
	binary.LittleEndian.PutUint32(hdr[20:], d.Type)
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(d.Name); err != nil {
		return 0, err
	}
	if pad := padded - direntLen; pad > 0 {
		if _, err := w.Write(direntPadding[:pad]); err != nil {
			return 0, err
		}
	}
	return int(total), nil
}
