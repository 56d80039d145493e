// Package padmap assigns controller slots to players. Mappings are always
// replaced and rebroadcast whole.
package padmap

import (
	"errors"
	"fmt"

	"github.com/blukai/netplay/internal/protocol"
)

var (
	ErrUnknownPlayer = errors.New("mapping references unknown player")
	ErrInvalidSlot   = errors.New("invalid slot")
)

type Kind int

const (
	KindPad Kind = iota
	KindWiimote
)

func (k Kind) String() string {
	if k == KindWiimote {
		return "wiimote"
	}
	return "pad"
}

// MessageID is the message that carries a full array of this kind.
func (k Kind) MessageID() protocol.MessageID {
	if k == KindWiimote {
		return protocol.MsgWiimoteMapping
	}
	return protocol.MsgPadMapping
}

// Mapper holds the pad and wiimote arrays. It has no lock of its own; the
// owner serializes access the same way it does for the session registry.
type Mapper struct {
	arrays [2]protocol.MappingArray
}

func New() *Mapper {
	return &Mapper{
		arrays: [2]protocol.MappingArray{protocol.EmptyMapping(), protocol.EmptyMapping()},
	}
}

func (m *Mapper) Get(kind Kind) protocol.MappingArray { return m.arrays[kind] }

func (m *Mapper) Pads() protocol.MappingArray     { return m.arrays[KindPad] }
func (m *Mapper) Wiimotes() protocol.MappingArray { return m.arrays[KindWiimote] }

// Set replaces a whole array after checking that every assigned slot belongs
// to a present player.
func (m *Mapper) Set(kind Kind, mapping protocol.MappingArray, present func(protocol.PlayerID) bool) error {
	if err := Validate(mapping, present); err != nil {
		return err
	}
	m.arrays[kind] = mapping
	return nil
}

// AssignFirstFree gives pid the first unassigned pad slot. It returns -1 when
// every slot is taken.
func (m *Mapper) AssignFirstFree(pid protocol.PlayerID) int {
	pads := &m.arrays[KindPad]
	for slot, owner := range pads {
		if owner == protocol.Unassigned {
			pads[slot] = protocol.PadMapping(pid)
			return slot
		}
	}
	return -1
}

// ClearPlayer unassigns every slot of either kind owned by pid and reports
// which kinds changed.
func (m *Mapper) ClearPlayer(pid protocol.PlayerID) (pads, wiimotes bool) {
	pads = clearOwner(&m.arrays[KindPad], pid)
	wiimotes = clearOwner(&m.arrays[KindWiimote], pid)
	return pads, wiimotes
}

func clearOwner(a *protocol.MappingArray, pid protocol.PlayerID) bool {
	changed := false
	for slot, owner := range a {
		if owner == protocol.PadMapping(pid) {
			a[slot] = protocol.Unassigned
			changed = true
		}
	}
	return changed
}

// Owner returns the player owning slot, if any.
func (m *Mapper) Owner(kind Kind, slot int) (protocol.PlayerID, bool) {
	if slot < 0 || slot >= protocol.MaxPads {
		return 0, false
	}
	owner := m.arrays[kind][slot]
	if owner == protocol.Unassigned {
		return 0, false
	}
	return protocol.PlayerID(owner), true
}

// Owns reports whether slot of the given kind is mapped to pid.
func (m *Mapper) Owns(kind Kind, pid protocol.PlayerID, slot int) bool {
	owner, ok := m.Owner(kind, slot)
	return ok && owner == pid
}

// OwnsAny reports whether pid holds at least one slot of either kind.
func (m *Mapper) OwnsAny(pid protocol.PlayerID) bool {
	return len(Slots(m.arrays[KindPad], pid)) > 0 || len(Slots(m.arrays[KindWiimote], pid)) > 0
}

// Validate checks that every assigned entry refers to a present player.
func Validate(mapping protocol.MappingArray, present func(protocol.PlayerID) bool) error {
	for slot, owner := range mapping {
		if owner == protocol.Unassigned {
			continue
		}
		if owner < 1 || owner > protocol.MaxPlayers || !present(protocol.PlayerID(owner)) {
			return fmt.Errorf("%w: slot %d -> %d", ErrUnknownPlayer, slot, owner)
		}
	}
	return nil
}

// Slots lists the slots owned by pid in ascending order.
func Slots(mapping protocol.MappingArray, pid protocol.PlayerID) []int {
	var slots []int
	for slot, owner := range mapping {
		if owner == protocol.PadMapping(pid) {
			slots = append(slots, slot)
		}
	}
	return slots
}

// LocalIndex maps a network slot owned by pid to the index of the local
// controller that feeds it: the first slot pid owns is fed by local
// controller 0, the second by 1 and so on. It returns -1 when pid does not
// own slot.
func LocalIndex(mapping protocol.MappingArray, pid protocol.PlayerID, slot int) int {
	for i, s := range Slots(mapping, pid) {
		if s == slot {
			return i
		}
	}
	return -1
}

// CheckSlot validates a slot number received off the wire.
func CheckSlot(slot uint8) error {
	if int(slot) >= protocol.MaxPads {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	return nil
}
