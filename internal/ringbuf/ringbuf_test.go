package ringbuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
	_, err = New(1000)
	assert.Error(t, err)
	_, err = New(16)
	assert.NoError(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	b, err := New(16)
	require.NoError(t, err)

	in := RawEntry{
		Timestamp: 12345,
		Arg0:      1,
		Arg1:      2,
		Ret:       3,
		FuncID:    7,
		ThreadID:  42,
		Depth:     3,
		Kind:      KindEnter,
		Sampled:   true,
	}
	b.Write(&in)

	require.Equal(t, uint64(1), b.Pending())
	var out RawEntry
	b.ReadAt(b.ReadIndex(), &out)
	assert.Equal(t, in, out)

	b.AdvanceRead(1)
	assert.Equal(t, uint64(0), b.Pending())
}

func TestEntryWireFormatIsFixed48Bytes(t *testing.T) {
	e := RawEntry{Timestamp: 1, FuncID: 2, ThreadID: 3, Depth: 4, Kind: KindExit}
	data, err := e.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, data, EntrySize)

	var back RawEntry
	require.NoError(t, back.UnmarshalBinary(data))
	assert.Equal(t, e, back)

	assert.Error(t, back.UnmarshalBinary(data[:EntrySize-1]))
}

func TestOverflowCountMonotonicAndExact(t *testing.T) {
	b, err := New(8)
	require.NoError(t, err)

	e := RawEntry{Kind: KindEnter}

	// Fill the ring exactly: no overflow.
	for i := 0; i < 8; i++ {
		b.Write(&e)
	}
	assert.Equal(t, uint64(0), b.OverflowCount())

	// Each further write without a read lands on an unread slot.
	for i := 1; i <= 5; i++ {
		b.Write(&e)
		assert.Equal(t, uint64(i), b.OverflowCount())
	}

	// After catching up, writes stop overflowing.
	b.AdvanceRead(b.Pending())
	b.Write(&e)
	assert.Equal(t, uint64(5), b.OverflowCount())
}

func TestPendingCapsAtCapacity(t *testing.T) {
	b, err := New(8)
	require.NoError(t, err)

	e := RawEntry{Kind: KindEnter}
	for i := 0; i < 30; i++ {
		b.Write(&e)
	}
	assert.Equal(t, uint64(8), b.Pending())
}

func TestDrainIdempotence(t *testing.T) {
	b, err := New(16)
	require.NoError(t, err)

	e := RawEntry{Kind: KindEnter}
	for i := 0; i < 5; i++ {
		b.Write(&e)
	}

	first := b.Pending()
	b.AdvanceRead(first)
	assert.Equal(t, uint64(5), first)

	// Second drain with no new writes yields nothing.
	assert.Equal(t, uint64(0), b.Pending())
}

func TestWriteSampledModulus(t *testing.T) {
	b, err := New(64)
	require.NoError(t, err)
	b.SetSampleInterval(4)

	e := RawEntry{Kind: KindEnter}
	written := 0
	for i := 0; i < 40; i++ {
		if b.WriteSampled(&e) {
			written++
		}
	}

	// One in four calls selected; every call counted.
	assert.Equal(t, 10, written)
	assert.Equal(t, uint64(40), b.GlobalCounter())

	// Selected rows carry the sampled flag.
	var out RawEntry
	b.ReadAt(b.ReadIndex(), &out)
	assert.True(t, out.Sampled)
}

func TestWriteSampledIntervalOneIsUnsampled(t *testing.T) {
	b, err := New(16)
	require.NoError(t, err)

	e := RawEntry{Kind: KindEnter}
	assert.True(t, b.WriteSampled(&e))

	var out RawEntry
	b.ReadAt(b.ReadIndex(), &out)
	assert.False(t, out.Sampled)
}

func TestSetSampleIntervalFloor(t *testing.T) {
	b, err := New(16)
	require.NoError(t, err)
	b.SetSampleInterval(0)
	assert.Equal(t, uint32(1), b.SampleInterval())
}

func TestConcurrentProducers(t *testing.T) {
	b, err := New(1 << 14)
	require.NoError(t, err)

	const producers = 8
	const perProducer = 1000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(tid uint32) {
			defer wg.Done()
			e := RawEntry{ThreadID: tid, Kind: KindEnter}
			for i := 0; i < perProducer; i++ {
				b.Write(&e)
			}
		}(uint32(p))
	}
	wg.Wait()

	assert.Equal(t, uint64(producers*perProducer), b.WriteIndex())
	assert.Equal(t, uint64(producers*perProducer), b.Pending())
	assert.Equal(t, uint64(0), b.OverflowCount())
}
