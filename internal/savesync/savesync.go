// Package savesync moves memory card and Wii save data from the host to every
// other player before a game starts.
//
// The host builds every SYNC_SAVE_DATA message up front with Build, so a
// storage or compression failure aborts the start before anything is sent.
// Clients feed what they receive to a Receiver, and the server counts their
// answers with a Tracker.
package savesync

import (
	"errors"
	"fmt"

	"github.com/blukai/netplay/internal/lzostream"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/cespare/xxhash/v2"
)

var (
	ErrMalformed    = errors.New("malformed save data message")
	ErrSizeMismatch = errors.New("decompressed size mismatch")
)

// Title is what save synchronization needs to know about the selected game.
type Title struct {
	// GameID is the six character id, e.g. "GALE01".
	GameID string
	// Region is the directory name of the game's region ("USA", "EUR",
	// "JAP").
	Region string
	IsWii  bool
	// TitleID locates the Wii save in NAND.
	TitleID uint64
	// MC251 selects the 251 block memory card some games need.
	MC251 bool
}

// Message is one encoded SYNC_SAVE_DATA packet.
type Message struct {
	Sub  protocol.SaveSyncID
	Data []byte
}

// Digest identifies the payload in logs.
func (m Message) Digest() uint64 { return xxhash.Sum64(m.Data) }

func isCard(device uint32) bool { return device == protocol.EXIDeviceMemoryCard }

func isFolder(device uint32) bool { return device == protocol.EXIDeviceMemoryCardFolder }

// Count is the number of save items a start with these settings transfers.
func Count(settings *protocol.NetSettings, title Title) int {
	n := 0
	for _, device := range settings.EXIDevice {
		if isCard(device) || isFolder(device) {
			n++
		}
	}
	if settings.CopyWiiSave && title.IsWii {
		n++
	}
	return n
}

// Build reads every save item from store and encodes the full message
// sequence: a notify announcing the item count, then one message per item.
func Build(settings *protocol.NetSettings, title Title, store Storage) ([]Message, error) {
	count := Count(settings, title)

	notify := newMessage(protocol.SaveSyncNotify)
	notify.WriteU8(uint8(count))
	msgs := []Message{{Sub: protocol.SaveSyncNotify, Data: notify.Bytes()}}

	for i, device := range settings.EXIDevice {
		slotA := i == 0

		switch {
		case isCard(device):
			msg, err := buildRaw(slotA, title, store)
			if err != nil {
				return nil, fmt.Errorf("could not build card %s: %w", slotName(slotA), err)
			}
			msgs = append(msgs, msg)
		case isFolder(device):
			msg, err := buildGCI(slotA, title, store)
			if err != nil {
				return nil, fmt.Errorf("could not build gci folder %s: %w", slotName(slotA), err)
			}
			msgs = append(msgs, msg)
		}
	}

	if settings.CopyWiiSave && title.IsWii {
		msg, err := buildWii(title, store)
		if err != nil {
			return nil, fmt.Errorf("could not build wii save: %w", err)
		}
		msgs = append(msgs, msg)
	}

	return msgs, nil
}

func slotName(slotA bool) string {
	if slotA {
		return "A"
	}
	return "B"
}

func newMessage(sub protocol.SaveSyncID) *protocol.Writer {
	w := protocol.NewMessage(protocol.MsgSyncSaveData)
	w.WriteU8(uint8(sub))
	return w
}

func buildRaw(slotA bool, title Title, store Storage) (Message, error) {
	w := newMessage(protocol.SaveSyncRaw)
	w.WriteBool(slotA)
	w.WriteString(title.Region)
	w.WriteBool(title.MC251)

	data, err := store.ReadCard(slotA, title.Region, title.MC251)
	if err != nil {
		return Message{}, err
	}
	// a missing card goes out as size 0
	if err := writeBlob(w, data); err != nil {
		return Message{}, err
	}
	return Message{Sub: protocol.SaveSyncRaw, Data: w.Bytes()}, nil
}

func buildGCI(slotA bool, title Title, store Storage) (Message, error) {
	w := newMessage(protocol.SaveSyncGCI)
	w.WriteBool(slotA)

	files, err := store.ReadGCIFiles(slotA, title.Region, title.GameID)
	if err != nil {
		return Message{}, err
	}
	if len(files) > 0xFF {
		return Message{}, fmt.Errorf("too many gci files: %d", len(files))
	}

	w.WriteU8(uint8(len(files)))
	for _, f := range files {
		w.WriteString(f.Name)
		if err := writeBlob(w, f.Data); err != nil {
			return Message{}, fmt.Errorf("could not compress %s: %w", f.Name, err)
		}
	}
	return Message{Sub: protocol.SaveSyncGCI, Data: w.Bytes()}, nil
}

func buildWii(title Title, store Storage) (Message, error) {
	w := newMessage(protocol.SaveSyncWii)

	save, err := store.ReadWiiSave(title.TitleID)
	if err != nil {
		return Message{}, err
	}
	if err := writeWiiSave(w, save); err != nil {
		return Message{}, err
	}
	return Message{Sub: protocol.SaveSyncWii, Data: w.Bytes()}, nil
}

// writeBlob appends a u64 uncompressed size and, for non empty data, the
// compressed stream.
func writeBlob(w *protocol.Writer, data []byte) error {
	w.WriteU64(uint64(len(data)))
	if len(data) == 0 {
		return nil
	}
	return lzostream.Encode(w, data)
}

func readBlob(r *protocol.Reader) ([]byte, error) {
	size, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	data, err := lzostream.Decode(r)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != size {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, len(data), size)
	}
	return data, nil
}
