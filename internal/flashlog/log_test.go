package flashlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratotrack/tracker/internal/norflash"
)

func writeN(t *testing.T, l *Log, n int, startTS uint32) {
	t.Helper()
	for i := 0; i < n; i++ {
		r := Record{Timestamp: startTS + uint32(i), BatteryMV: 3800}
		r.SetPosition(51.5, -0.12)
		require.NoError(t, l.Write(&r))
	}
}

func TestLogFreshOpen(t *testing.T) {
	dev := norflash.NewMemDevice()
	l, err := Open(dev)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), l.Count())
	assert.Equal(t, uint32(0), l.Available())
	assert.False(t, l.HasWrapped())

	_, err = l.Read(0)
	assert.Error(t, err)
}

func TestLogWriteReadLIFO(t *testing.T) {
	dev := norflash.NewMemDevice()
	l, err := Open(dev)
	require.NoError(t, err)

	writeN(t, l, 5, 100)
	assert.Equal(t, uint32(5), l.Available())

	// Offset 0 is the newest record.
	r, err := l.Read(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(104), r.Timestamp)
	assert.Equal(t, uint32(4), r.Sequence)

	r, err = l.Read(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), r.Timestamp)

	batch := make([]Record, 3)
	n, err := l.ReadBatch(batch, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint32(103), batch[0].Timestamp)
	assert.Equal(t, uint32(101), batch[2].Timestamp)

	// Batch runs short at the oldest record.
	n, err = l.ReadBatch(batch, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLogReopenFromHeader(t *testing.T) {
	dev := norflash.NewMemDevice()
	l, err := Open(dev)
	require.NoError(t, err)
	writeN(t, l, 23, 0)
	require.NoError(t, l.SyncHeader())

	l2, err := Open(dev)
	require.NoError(t, err)
	assert.Equal(t, uint32(23), l2.Available())
	r, err := l2.Read(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(22), r.Sequence)

	// Sequences keep counting across the reopen.
	writeN(t, l2, 1, 23)
	r, err = l2.Read(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(23), r.Sequence)
}

func TestLogReplayPastStaleHeader(t *testing.T) {
	dev := norflash.NewMemDevice()
	l, err := Open(dev)
	require.NoError(t, err)

	// 17 records: the last header landed at 10, the pointer trails by 7.
	writeN(t, l, 17, 0)

	l2, err := Open(dev)
	require.NoError(t, err)
	assert.Equal(t, uint32(17), l2.Available(), "records after the last header update must be replayed")
	r, err := l2.Read(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), r.Sequence)
}

func TestLogTornRecordWrite(t *testing.T) {
	dev := norflash.NewMemDevice()
	l, err := Open(dev)
	require.NoError(t, err)
	writeN(t, l, 5, 0)

	// Power cut in the middle of record 6.
	dev.FailAfter = 20
	r := Record{Timestamp: 999}
	require.Error(t, l.Write(&r))
	dev.FailAfter = -1

	l2, err := Open(dev)
	require.NoError(t, err)

	// The torn slot keeps its sequence number but reads as corrupt.
	assert.Equal(t, uint32(6), l2.Available())
	_, err = l2.Read(0)
	assert.Error(t, err)
	got, err := l2.Read(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), got.Sequence)

	// New writes land past the dead slot, on fresh cells.
	writeN(t, l2, 1, 6)
	got, err = l2.Read(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), got.Sequence)
	assert.Equal(t, uint32(6), got.Timestamp)
}

func TestLogHeaderChainErasesOncePerLap(t *testing.T) {
	dev := norflash.NewMemDevice()
	l, err := Open(dev)
	require.NoError(t, err)
	erasesAfterOpen := dev.Erases

	// 10 records per header update, 16 slots per lap. 150 records is
	// 15 header updates: still inside the first lap, and the data area
	// spans 3 sectors.
	writeN(t, l, 150, 0)
	dataErases := 150*int(RecordSize)/norflash.SectorSize + 1
	assert.Equal(t, erasesAfterOpen+dataErases, dev.Erases)

	// The 16th update wraps the slot chain and costs one sector erase.
	writeN(t, l, 10, 150)
	assert.Equal(t, erasesAfterOpen+dataErases+1, dev.Erases)

	l2, err := Open(dev)
	require.NoError(t, err)
	assert.Equal(t, uint32(160), l2.Available())
}

func TestLogRebuildFromScan(t *testing.T) {
	dev := norflash.NewMemDevice()
	l, err := Open(dev)
	require.NoError(t, err)
	writeN(t, l, 12, 500)
	require.NoError(t, l.SyncHeader())

	// Kill every header slot: simulates a crash inside the header
	// sector erase window.
	require.NoError(t, dev.EraseSector(0))

	l2, err := Open(dev)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), l2.Available())
	r, err := l2.Read(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), r.Sequence)
	assert.Equal(t, uint32(511), r.Timestamp)
}

func TestLogCorruptRecordDetected(t *testing.T) {
	dev := norflash.NewMemDevice()
	l, err := Open(dev)
	require.NoError(t, err)
	writeN(t, l, 3, 0)

	// Flip a bit in the middle record's payload.
	dev.Corrupt(DataStart+RecordSize+30, 0x08)

	_, err = l.Read(1)
	assert.Error(t, err)
	// Neighbors still read fine.
	_, err = l.Read(0)
	assert.NoError(t, err)
	_, err = l.Read(2)
	assert.NoError(t, err)
}

func TestLogEraseAll(t *testing.T) {
	dev := norflash.NewMemDevice()
	l, err := Open(dev)
	require.NoError(t, err)
	writeN(t, l, 30, 0)

	require.NoError(t, l.EraseAll())
	assert.Equal(t, uint32(0), l.Available())

	writeN(t, l, 1, 0)
	r, err := l.Read(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), r.Sequence)
}

func TestLogStats(t *testing.T) {
	dev := norflash.NewMemDevice()
	l, err := Open(dev)
	require.NoError(t, err)
	writeN(t, l, 7, 0)

	capacity, used, free := l.Stats()
	assert.Equal(t, uint32(MaxRecords), capacity)
	assert.Equal(t, uint32(7), used)
	assert.Equal(t, uint32(MaxRecords-7), free)
}
