package pci

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRestore(t *testing.T) {
	cfg := newTestConfig()
	_, err := cfg.AddPciBar(NewBarConfiguration(0, 0x10, Memory64Bit, NotPrefetchable).WithAddress(0x0123_4567_89AB_CDE0))
	require.NoError(t, err)
	_, err = cfg.AddPciBar(NewBarConfiguration(2, 0x10, Memory32Bit, NotPrefetchable).WithAddress(0x12345670))
	require.NoError(t, err)
	require.NoError(t, cfg.AddCapability(testCap{length: 4, foo: 0xAA}, nil))

	snapInit, err := cfg.Snapshot()
	require.NoError(t, err)

	// Equal state encodes to equal bytes.
	again, err := cfg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snapInit, again)

	cfg.WriteReg(bar0Reg, 0, le32(0xBBAA9980))
	cfg.WriteReg(bar0Reg+1, 0, le32(0xFFEEDDCC))
	_, err = cfg.AddPciBar(NewBarConfiguration(3, 0x4, IORegion, NotPrefetchable).WithAddress(0x1230))
	require.NoError(t, err)

	snapMod, err := cfg.Snapshot()
	require.NoError(t, err)
	assert.NotEqual(t, snapInit, snapMod)

	require.NoError(t, cfg.Restore(snapInit))
	got, err := cfg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snapInit, got)
	assert.Equal(t, uint64(0x0123_4567_89AB_CDE0), cfg.GetBarAddr(0))
	_, used := cfg.GetBarType(3)
	assert.False(t, used)

	require.NoError(t, cfg.Restore(snapMod))
	got, err = cfg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snapMod, got)
	assert.Equal(t, uint64(0xFFEE_DDCC_BBAA_9980), cfg.GetBarAddr(0))

	// The restored capability list keeps growing from where it left off.
	require.NoError(t, cfg.AddCapability(testCap{length: 4, foo: 0x55}, nil))
	assert.Len(t, cfg.Capabilities(), 2)
}

func TestRestoreRepublishesMirror(t *testing.T) {
	cfg := newTestConfig()
	snap, err := cfg.Snapshot()
	require.NoError(t, err)

	m := newTestMirror(t, 4096)
	require.NoError(t, cfg.SetupMapping(m, 0, 256))
	cfg.WriteReg(commandReg, 0, le32(0x0007))
	assert.Equal(t, uint32(0x0007), mirrorReg(t, m, commandReg*4))

	require.NoError(t, cfg.Restore(snap))
	assert.Zero(t, mirrorReg(t, m, commandReg*4))
}

func TestRestoreRejectsTampering(t *testing.T) {
	cfg := newTestConfig()
	snap, err := cfg.Snapshot()
	require.NoError(t, err)

	var sealed sealedSnapshot
	require.NoError(t, cbor.Unmarshal(snap, &sealed))

	var st configurationState
	require.NoError(t, cbor.Unmarshal(sealed.State, &st))
	st.Registers[0] = 0xdeadbeef
	sealed.State, err = encMode.Marshal(&st)
	require.NoError(t, err)
	forged, err := encMode.Marshal(&sealed)
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Restore(forged), ErrSnapshotDigest)
	assert.Equal(t, uint32(0x56781234), cfg.ReadReg(0))

	sealed.Version = 2
	future, err := encMode.Marshal(&sealed)
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Restore(future), ErrSnapshotVersion)

	assert.Error(t, cfg.Restore([]byte{0xff}))
}
