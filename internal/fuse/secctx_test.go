package fuse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

type xattrPair struct {
	name, value string
}

// makeSecctx builds a security context block. Names and values are
// NUL-terminated on the wire; truncate shrinks the declared total size.
func makeSecctx(ctxs []xattrPair, truncate uint32) []byte {
	total := uint32(secctxHeaderSize + secctxSize*len(ctxs))
	for _, c := range ctxs {
		total += uint32(len(c.name) + 1 + len(c.value) + 1)
	}
	total = (total+7)&^7 - truncate

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, SecctxHeader{Size: total, NrSecctx: uint32(len(ctxs))})
	for _, c := range ctxs {
		binary.Write(&buf, binary.LittleEndian, Secctx{Size: uint32(len(c.value) + 1)})
		buf.WriteString(c.name)
		buf.WriteByte(0)
		buf.WriteString(c.value)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

const (
	testSelinuxValue = "user_u:object_r:security_type:s0"
	testFooValue     = "user_foo:object_foo:foo_type:s0"
)

func TestParseSelinuxXattr(t *testing.T) {
	tests := []struct {
		name    string
		block   []byte
		want    string
		wantErr error
	}{
		{name: "empty", block: nil},
		{
			name:  "basic",
			block: makeSecctx([]xattrPair{{selinuxXattrName, testSelinuxValue}}, 0),
			want:  testSelinuxValue,
		},
		{
			name: "find attr",
			block: makeSecctx([]xattrPair{
				{"foo", testFooValue},
				{selinuxXattrName, testSelinuxValue},
			}, 0),
			want: testSelinuxValue,
		},
		{
			name:  "similar name is ignored",
			block: makeSecctx([]xattrPair{{"invalid.security.selinux", "user_invalid:object_invalid:invalid_type:s0"}}, 0),
		},
		{
			name: "declared size too short",
			block: makeSecctx([]xattrPair{
				{"foo", testFooValue},
				{selinuxXattrName, testSelinuxValue},
			}, 8),
			wantErr: ErrInvalidHeaderLength,
		},
		{
			name:    "truncated header",
			block:   []byte{1, 2, 3},
			wantErr: ErrInvalidHeaderLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSelinuxXattr(tt.block)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err=%v want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSelinuxXattr: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("value=%q want %q", got, tt.want)
			}
		})
	}
}

func TestParseSelinuxXattrValueSizeMismatch(t *testing.T) {
	block := makeSecctx([]xattrPair{{selinuxXattrName, testSelinuxValue}}, 0)
	// Declare one byte more than the value occupies.
	binary.LittleEndian.PutUint32(block[secctxHeaderSize:], uint32(len(testSelinuxValue)+2))

	if _, err := parseSelinuxXattr(block); !errors.Is(err, ErrInvalidHeaderLength) {
		t.Fatalf("err=%v want ErrInvalidHeaderLength", err)
	}
}

func TestParseSelinuxXattrIgnoresRequestExtensions(t *testing.T) {
	block := makeSecctx([]xattrPair{{selinuxXattrName, testSelinuxValue}}, 0)
	binary.LittleEndian.PutUint32(block[4:], MaxNrSecctx+1)

	got, err := parseSelinuxXattr(block)
	if err != nil || got != nil {
		t.Fatalf("got %q, %v; want nil, nil", got, err)
	}
}
