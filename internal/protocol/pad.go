package protocol

import (
	"encoding"
	"fmt"

	"github.com/blukai/netplay/internal/byteorder"
	"github.com/blukai/netplay/internal/debug"
)

// MaxPads is the number of controller slots of each kind (pads and wiimotes).
const MaxPads = 4

// PadStatusSize is the encoded size of a PadStatus:
// uint16 (2) + 8 * uint8 (8) + bool (1) = 11
const PadStatusSize = 11

// PadStatus is one frame of GameCube controller input.
type PadStatus struct {
	Button       uint16
	AnalogA      uint8
	AnalogB      uint8
	StickX       uint8
	StickY       uint8
	SubstickX    uint8
	SubstickY    uint8
	TriggerLeft  uint8
	TriggerRight uint8
	IsConnected  bool
}

var (
	_ encoding.BinaryMarshaler   = (*PadStatus)(nil)
	_ encoding.BinaryUnmarshaler = (*PadStatus)(nil)
)

func (p *PadStatus) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, PadStatusSize)
	data = byteorder.AppendHtons(data, p.Button)
	data = append(data,
		p.AnalogA, p.AnalogB,
		p.StickX, p.StickY,
		p.SubstickX, p.SubstickY,
		p.TriggerLeft, p.TriggerRight,
	)
	if p.IsConnected {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}

	debug.Assert(len(data) == PadStatusSize)

	return data, nil
}

func (p *PadStatus) UnmarshalBinary(data []byte) error {
	if len(data) != PadStatusSize {
		return fmt.Errorf("invalid pad status size (got %d; want %d)", len(data), PadStatusSize)
	}

	p.Button = byteorder.Ntohs(data[0:2])
	p.AnalogA = data[2]
	p.AnalogB = data[3]
	p.StickX = data[4]
	p.StickY = data[5]
	p.SubstickX = data[6]
	p.SubstickY = data[7]
	p.TriggerLeft = data[8]
	p.TriggerRight = data[9]
	p.IsConnected = data[10] != 0

	return nil
}

// PadSample is a PadStatus tagged with the slot it belongs to, the unit that
// is repeated inside a MsgPadData packet.
type PadSample struct {
	Slot   uint8
	Status PadStatus
}

// WritePadSamples appends samples to a MsgPadData packet.
func WritePadSamples(w *Writer, samples ...PadSample) {
	for i := range samples {
		w.WriteU8(samples[i].Slot)
		err := w.WriteMarshaler(&samples[i].Status)
		debug.Assert(err == nil)
	}
}

// ReadPadSamples consumes the rest of a MsgPadData packet.
func ReadPadSamples(r *Reader) ([]PadSample, error) {
	var samples []PadSample
	for !r.EOF() {
		slot, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		var status PadStatus
		if err := r.ReadUnmarshaler(&status, PadStatusSize); err != nil {
			return nil, fmt.Errorf("could not read pad status for slot %d: %w", slot, err)
		}
		samples = append(samples, PadSample{Slot: slot, Status: status})
	}
	return samples, nil
}

// PadMapping is the PlayerID owning a slot, or Unassigned.
type PadMapping int16

const Unassigned PadMapping = -1

// MappingArray is the full assignment of one kind of controller slot. It is
// always sent whole.
type MappingArray [MaxPads]PadMapping

// EmptyMapping returns an array with every slot unassigned.
func EmptyMapping() MappingArray {
	var m MappingArray
	for i := range m {
		m[i] = Unassigned
	}
	return m
}

func (m *MappingArray) Encode(w *Writer) {
	for _, mapping := range m {
		w.WriteI16(int16(mapping))
	}
}

func (m *MappingArray) Decode(r *Reader) error {
	for i := range m {
		v, err := r.ReadI16()
		if err != nil {
			return fmt.Errorf("could not read mapping slot %d: %w", i, err)
		}
		m[i] = PadMapping(v)
	}
	return nil
}

// AllSlots is the PAD_HOST_POLL value requesting every assigned slot.
const AllSlots int8 = -1
