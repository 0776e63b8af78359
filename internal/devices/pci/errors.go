package pci

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a configuration setup failure.
type ErrorKind int

const (
	KindBarAddressInvalid ErrorKind = iota + 1
	KindBarAlignmentInvalid
	KindBarInUse
	KindBarInUse64
	KindBarInvalid
	KindBarInvalid64
	KindBarInvalidRomType
	KindBarSizeInvalid
	KindCapabilityEmpty
	KindCapabilityLengthInvalid
	KindCapabilitySpaceFull
)

// Error reports why a BAR or capability could not be added. Only the fields
// relevant to Kind are set. Use errors.Is against the Err* values to test
// the kind.
type Error struct {
	Kind ErrorKind
	Bar  int
	Addr uint64
	Size uint64
	Len  int
}

var (
	ErrBarAddressInvalid       = &Error{Kind: KindBarAddressInvalid}
	ErrBarAlignmentInvalid     = &Error{Kind: KindBarAlignmentInvalid}
	ErrBarInUse                = &Error{Kind: KindBarInUse}
	ErrBarInUse64              = &Error{Kind: KindBarInUse64}
	ErrBarInvalid              = &Error{Kind: KindBarInvalid}
	ErrBarInvalid64            = &Error{Kind: KindBarInvalid64}
	ErrBarInvalidRomType       = &Error{Kind: KindBarInvalidRomType}
	ErrBarSizeInvalid          = &Error{Kind: KindBarSizeInvalid}
	ErrCapabilityEmpty         = &Error{Kind: KindCapabilityEmpty}
	ErrCapabilityLengthInvalid = &Error{Kind: KindCapabilityLengthInvalid}
	ErrCapabilitySpaceFull     = &Error{Kind: KindCapabilitySpaceFull}
)

var (
	ErrMappingExists   = errors.New("pci: configuration mapping already set up")
	ErrSnapshotVersion = errors.New("pci: unsupported snapshot version")
	ErrSnapshotDigest  = errors.New("pci: snapshot digest mismatch")
)

func (e *Error) Error() string {
	switch e.Kind {
	case KindBarAddressInvalid:
		return fmt.Sprintf("pci: address %#x size %#x is invalid", e.Addr, e.Size)
	case KindBarAlignmentInvalid:
		return fmt.Sprintf("pci: address %#x is not aligned to size %#x", e.Addr, e.Size)
	case KindBarInUse:
		return fmt.Sprintf("pci: bar %d already used", e.Bar)
	case KindBarInUse64:
		return fmt.Sprintf("pci: 64-bit bar %d already used (requires two registers)", e.Bar)
	case KindBarInvalid:
		return fmt.Sprintf("pci: bar %d invalid, max %d", e.Bar, NumBarRegs-1)
	case KindBarInvalid64:
		return fmt.Sprintf("pci: 64-bit bar %d invalid, requires two registers, max %d", e.Bar, RomBarIdx-1)
	case KindBarInvalidRomType:
		return fmt.Sprintf("pci: expansion rom bar %d must be a 32-bit memory region", e.Bar)
	case KindBarSizeInvalid:
		return fmt.Sprintf("pci: bar size %#x is invalid", e.Size)
	case KindCapabilityEmpty:
		return "pci: empty capabilities are invalid"
	case KindCapabilityLengthInvalid:
		return fmt.Sprintf("pci: invalid capability length %d", e.Len)
	case KindCapabilitySpaceFull:
		return fmt.Sprintf("pci: capability of size %d doesn't fit", e.Len)
	default:
		return fmt.Sprintf("pci: error kind %d", int(e.Kind))
	}
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
