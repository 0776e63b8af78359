package fuse

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Decode errors. They are local to one request and are answered with an
// error reply instead of ending the connection.
var (
	ErrInvalidHeaderLength = errors.New("fuse: invalid header length")
	ErrMissingParameter    = errors.New("fuse: missing parameter")
	ErrInvalidCString      = errors.New("fuse: invalid C string")
	ErrInvalidXattrSize    = errors.New("fuse: invalid xattr size")
	ErrDecodeMessage       = errors.New("fuse: decode message")
	ErrTooManyIovecs       = errors.New("fuse: too many iovecs")
)

// ReplyError reports a failure writing a reply to the transport. It is the
// only error HandleMessage returns.
type ReplyError struct {
	Op  string
	Err error
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("fuse: %s reply: %v", e.Op, e.Err)
}

func (e *ReplyError) Unwrap() error { return e.Err }

func encodeErr(err error) error {
	if err == nil {
		return nil
	}
	return &ReplyError{Op: "encode", Err: err}
}

func flushErr(err error) error {
	if err == nil {
		return nil
	}
	return &ReplyError{Op: "flush", Err: err}
}

func invalidXattrSize(want uint32, got int) error {
	return fmt.Errorf("%w: header says %d, value is %d bytes", ErrInvalidXattrSize, want, got)
}

// errnoOf extracts the OS error code carried by err. Errors without one
// are reported as EIO.
func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}
	return unix.EIO
}

// decodeErrno maps a decode-tier error onto the errno sent to the peer.
func decodeErrno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}
	return unix.EINVAL
}
