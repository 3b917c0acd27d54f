package ringbuf

import "encoding/binary"

// EntrySize is the fixed wire size of a RawEntry in the shared region.
const EntrySize = 48

// Kind discriminates ring buffer records.
type Kind uint8

const (
	// KindEnter marks a function entry record.
	KindEnter Kind = 1
	// KindExit marks a function exit record.
	KindExit Kind = 2
)

// HookMode selects the capture behavior for an installed hook. The set
// is closed and known at classification time.
type HookMode uint8

const (
	// ModeFull captures every call, enter and exit, never sampled.
	ModeFull HookMode = iota
	// ModeLight captures enters only, subject to the sampling interval.
	ModeLight
)

func (m HookMode) String() string {
	if m == ModeFull {
		return "full"
	}
	return "light"
}

// RawEntry is one fixed-size ring buffer record. Producers encode it
// into a reserved slot; the single consumer decodes on drain. Ownership
// of a slot passes to the consumer on read.
type RawEntry struct {
	Timestamp uint64 // nanoseconds, target clock
	Arg0      uint64 // first raw call-argument word
	Arg1      uint64 // second raw call-argument word
	Ret       uint64 // raw return-value word (exit only)
	FuncID    uint32 // function registry id
	ThreadID  uint32
	Depth     uint16
	Kind      Kind
	Sampled   bool // set when this row stands in for interval calls
}

// encode writes the entry into dst, which must be at least EntrySize
// bytes. Layout is fixed little-endian.
func (e *RawEntry) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], e.Timestamp)
	binary.LittleEndian.PutUint64(dst[8:], e.Arg0)
	binary.LittleEndian.PutUint64(dst[16:], e.Arg1)
	binary.LittleEndian.PutUint64(dst[24:], e.Ret)
	binary.LittleEndian.PutUint32(dst[32:], e.FuncID)
	binary.LittleEndian.PutUint32(dst[36:], e.ThreadID)
	binary.LittleEndian.PutUint16(dst[40:], e.Depth)
	dst[42] = byte(e.Kind)
	if e.Sampled {
		dst[43] = 1
	} else {
		dst[43] = 0
	}
	binary.LittleEndian.PutUint32(dst[44:], 0) // reserved
}

// decode reads the entry from src, which must be at least EntrySize
// bytes.
func (e *RawEntry) decode(src []byte) {
	e.Timestamp = binary.LittleEndian.Uint64(src[0:])
	e.Arg0 = binary.LittleEndian.Uint64(src[8:])
	e.Arg1 = binary.LittleEndian.Uint64(src[16:])
	e.Ret = binary.LittleEndian.Uint64(src[24:])
	e.FuncID = binary.LittleEndian.Uint32(src[32:])
	e.ThreadID = binary.LittleEndian.Uint32(src[36:])
	e.Depth = binary.LittleEndian.Uint16(src[40:])
	e.Kind = Kind(src[42])
	e.Sampled = src[43] != 0
}

// MarshalBinary returns the fixed 48-byte wire encoding.
func (e *RawEntry) MarshalBinary() ([]byte, error) {
	buf := make([]byte, EntrySize)
	e.encode(buf)
	return buf, nil
}

// UnmarshalBinary decodes the fixed 48-byte wire encoding.
func (e *RawEntry) UnmarshalBinary(data []byte) error {
	if len(data) < EntrySize {
		return errShortEntry
	}
	e.decode(data)
	return nil
}
