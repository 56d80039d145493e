package protocol_test

import (
	"errors"
	"math"
	"testing"

	"github.com/blukai/netplay/internal/byteorder"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/matryer/is"
)

func writeFields() *protocol.Writer {
	w := protocol.NewMessage(protocol.MsgChatMessage)
	w.WriteU8(7)
	w.WriteBool(true)
	w.WriteI8(-1)
	w.WriteU16(0xBEEF)
	w.WriteI16(-2)
	w.WriteU32(0xDEADBEEF)
	w.WriteI32(math.MinInt32)
	w.WriteU64(math.MaxUint64 - 1)
	w.WriteString("hello\x00world")
	w.WriteBlock([]byte{1, 2, 3})
	return w
}

func TestCodecRoundTrip(t *testing.T) {
	is := is.New(t)

	r := protocol.NewReader(writeFields().Bytes())

	id, err := r.ReadMessageID()
	is.NoErr(err)
	is.Equal(id, protocol.MsgChatMessage)

	u8, err := r.ReadU8()
	is.NoErr(err)
	is.Equal(u8, uint8(7))

	b, err := r.ReadBool()
	is.NoErr(err)
	is.True(b)

	i8, err := r.ReadI8()
	is.NoErr(err)
	is.Equal(i8, int8(-1))

	u16, err := r.ReadU16()
	is.NoErr(err)
	is.Equal(u16, uint16(0xBEEF))

	i16, err := r.ReadI16()
	is.NoErr(err)
	is.Equal(i16, int16(-2))

	u32, err := r.ReadU32()
	is.NoErr(err)
	is.Equal(u32, uint32(0xDEADBEEF))

	i32, err := r.ReadI32()
	is.NoErr(err)
	is.Equal(i32, int32(math.MinInt32))

	u64, err := r.ReadU64()
	is.NoErr(err)
	is.Equal(u64, uint64(math.MaxUint64-1))

	s, err := r.ReadString()
	is.NoErr(err)
	is.Equal(s, "hello\x00world") // embedded nul survives

	block, err := r.ReadBlock()
	is.NoErr(err)
	is.Equal(block, []byte{1, 2, 3})

	is.True(r.EOF())
}

func TestCodecBigEndian(t *testing.T) {
	is := is.New(t)

	w := protocol.Writer{}
	w.WriteU32(0x01020304)
	is.Equal(w.Bytes(), []byte{1, 2, 3, 4})
}

// every strict prefix of a packet must fail somewhere instead of reading out
// of bounds.
func TestCodecTruncated(t *testing.T) {
	is := is.New(t)

	full := writeFields().Bytes()

	for n := 0; n < len(full); n++ {
		r := protocol.NewReader(full[:n])
		var err error
		steps := []func() error{
			func() error { _, err := r.ReadMessageID(); return err },
			func() error { _, err := r.ReadU8(); return err },
			func() error { _, err := r.ReadBool(); return err },
			func() error { _, err := r.ReadI8(); return err },
			func() error { _, err := r.ReadU16(); return err },
			func() error { _, err := r.ReadI16(); return err },
			func() error { _, err := r.ReadU32(); return err },
			func() error { _, err := r.ReadI32(); return err },
			func() error { _, err := r.ReadU64(); return err },
			func() error { _, err := r.ReadString(); return err },
			func() error { _, err := r.ReadBlock(); return err },
		}
		for _, step := range steps {
			if err = step(); err != nil {
				break
			}
		}
		is.True(errors.Is(err, protocol.ErrShortRead))
	}
}

func TestInt32Encoding(t *testing.T) {
	is := is.New(t)

	testCases := []int32{0, 1, -1, 42, -42, math.MaxInt32, math.MinInt32}

	for _, tc := range testCases {
		w := protocol.Writer{}
		w.WriteI32(tc)
		is.Equal(w.Len(), 4)

		decoded, err := protocol.NewReader(w.Bytes()).ReadI32()
		is.NoErr(err)
		is.Equal(decoded, tc)
	}
}

func TestPadSamplesEncoding(t *testing.T) {
	is := is.New(t)

	original := []protocol.PadSample{
		{Slot: 0, Status: protocol.PadStatus{Button: 0x0100, StickX: 0x80, StickY: 0x80, IsConnected: true}},
		{Slot: 3, Status: protocol.PadStatus{AnalogA: 1, AnalogB: 2, SubstickX: 3, SubstickY: 4, TriggerLeft: 5, TriggerRight: 6}},
	}

	w := protocol.NewMessage(protocol.MsgPadData)
	protocol.WritePadSamples(w, original...)
	is.Equal(w.Len(), 1+2*(1+protocol.PadStatusSize))

	r := protocol.NewReader(w.Bytes())
	_, err := r.ReadMessageID()
	is.NoErr(err)

	decoded, err := protocol.ReadPadSamples(r)
	is.NoErr(err)
	is.Equal(decoded, original)

	// a sample cut in half is an error, not a short sample
	_, err = protocol.ReadPadSamples(protocol.NewReader(w.Bytes()[1 : w.Len()-3]))
	is.True(errors.Is(err, protocol.ErrShortRead))
}

func TestMappingEncoding(t *testing.T) {
	is := is.New(t)

	original := protocol.MappingArray{1, protocol.Unassigned, 255, 2}

	w := protocol.Writer{}
	original.Encode(&w)

	var decoded protocol.MappingArray
	is.NoErr(decoded.Decode(protocol.NewReader(w.Bytes())))
	is.Equal(decoded, original)

	is.Equal(protocol.EmptyMapping(), protocol.MappingArray{-1, -1, -1, -1})
}

func TestHandshakeEncoding(t *testing.T) {
	is := is.New(t)

	original := protocol.Handshake{Version: protocol.Version, Revision: "r1", Name: "Player"}
	data, err := original.MarshalBinary()
	is.NoErr(err)

	var decoded protocol.Handshake
	is.NoErr(decoded.UnmarshalBinary(data))
	is.Equal(decoded, original)

	is.True(decoded.UnmarshalBinary(data[:len(data)-1]) != nil)
}

func TestNetSettingsEncoding(t *testing.T) {
	is := is.New(t)

	original := protocol.DefaultNetSettings()
	original.OCEnable = true
	original.OCFactor = 1.5
	original.EXIDevice = [2]uint32{protocol.EXIDeviceMemoryCardFolder, protocol.EXIDeviceMemoryCard}
	original.SyncGPUMinDistance = -1
	original.StrictSettingsSync = true

	w := protocol.Writer{}
	original.Encode(&w)

	var decoded protocol.NetSettings
	r := protocol.NewReader(w.Bytes())
	is.NoErr(decoded.Decode(r))
	is.True(r.EOF())
	is.Equal(decoded, original)
}

func TestNetSettingsForwardCompatible(t *testing.T) {
	is := is.New(t)

	original := protocol.DefaultNetSettings()
	original.PAL60 = true

	w := protocol.Writer{}
	original.Encode(&w)
	encoded := w.Bytes()
	count := byteorder.Ntohs(encoded[2:4])

	// a newer peer that appended two fields this version doesn't know about
	newer := protocol.Writer{}
	newer.WriteU16(protocol.SettingsSchemaVersion + 1)
	newer.WriteU16(count + 2)
	_, _ = newer.Write(encoded[4:])
	newer.WriteU8(6) // string
	newer.WriteString("future")
	newer.WriteU8(5) // u64
	newer.WriteU64(42)

	var decoded protocol.NetSettings
	is.NoErr(decoded.Decode(protocol.NewReader(newer.Bytes())))
	is.Equal(decoded, original)
}

func TestNetSettingsBackwardCompatible(t *testing.T) {
	is := is.New(t)

	// an older peer that only knew the first two fields
	older := protocol.Writer{}
	older.WriteU16(0)
	older.WriteU16(2)
	older.WriteU8(1) // bool
	older.WriteBool(false)
	older.WriteU8(2) // u32
	older.WriteU32(7)

	var decoded protocol.NetSettings
	is.NoErr(decoded.Decode(protocol.NewReader(older.Bytes())))

	want := protocol.DefaultNetSettings()
	want.CPUThread = false
	want.CPUCore = 7
	is.Equal(decoded, want)
}

func TestNetSettingsKindMismatch(t *testing.T) {
	is := is.New(t)

	bad := protocol.Writer{}
	bad.WriteU16(protocol.SettingsSchemaVersion)
	bad.WriteU16(1)
	bad.WriteU8(2) // u32 where cpu_thread is a bool
	bad.WriteU32(1)

	var decoded protocol.NetSettings
	is.True(decoded.Decode(protocol.NewReader(bad.Bytes())) != nil)
}
