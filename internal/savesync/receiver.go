package savesync

import (
	"fmt"

	"github.com/blukai/netplay/internal/protocol"
)

// Result is the state of a client side transfer after a message.
type Result int

const (
	Pending Result = iota
	Succeeded
	Failed
)

func (r Result) String() string {
	switch r {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "pending"
}

// Receiver applies the host's save data on a client. It is owned by the
// client's service goroutine.
type Receiver struct {
	store Storage
	title Title

	active   bool
	expected int
	applied  int
}

func NewReceiver(store Storage) *Receiver {
	return &Receiver{store: store}
}

// SetTitle tells the receiver which game the incoming saves belong to.
func (r *Receiver) SetTitle(title Title) { r.title = title }

func (r *Receiver) Active() bool { return r.active }

// Handle applies one SYNC_SAVE_DATA message whose sub id has already been
// read. Once it returns Succeeded or Failed the client answers the host with
// Response.
func (r *Receiver) Handle(sub protocol.SaveSyncID, rd *protocol.Reader) (Result, error) {
	if sub == protocol.SaveSyncNotify {
		count, err := rd.ReadU8()
		if err != nil {
			return Failed, fmt.Errorf("could not read save count: %w", err)
		}
		r.active = true
		r.expected = int(count)
		r.applied = 0
		return r.progress(), nil
	}

	if !r.active {
		return Failed, fmt.Errorf("%w: %d without notify", ErrMalformed, sub)
	}

	var err error
	switch sub {
	case protocol.SaveSyncRaw:
		err = r.applyRaw(rd)
	case protocol.SaveSyncGCI:
		err = r.applyGCI(rd)
	case protocol.SaveSyncWii:
		err = r.applyWii(rd)
	default:
		err = fmt.Errorf("%w: unexpected sub id %d", ErrMalformed, sub)
	}
	if err != nil {
		r.active = false
		return Failed, err
	}

	r.applied++
	return r.progress(), nil
}

func (r *Receiver) progress() Result {
	if r.applied >= r.expected {
		r.active = false
		return Succeeded
	}
	return Pending
}

func (r *Receiver) applyRaw(rd *protocol.Reader) error {
	slotA, err := rd.ReadBool()
	if err != nil {
		return err
	}
	region, err := rd.ReadString()
	if err != nil {
		return err
	}
	if !validRegion(region) {
		return fmt.Errorf("%w: region %q", ErrMalformed, region)
	}
	mc251, err := rd.ReadBool()
	if err != nil {
		return err
	}
	data, err := readBlob(rd)
	if err != nil {
		return fmt.Errorf("could not decompress card %s: %w", slotName(slotA), err)
	}
	return r.store.WriteCard(slotA, region, mc251, data)
}

func (r *Receiver) applyGCI(rd *protocol.Reader) error {
	if !validRegion(r.title.Region) {
		return fmt.Errorf("%w: region %q", ErrMalformed, r.title.Region)
	}
	slotA, err := rd.ReadBool()
	if err != nil {
		return err
	}
	count, err := rd.ReadU8()
	if err != nil {
		return err
	}

	files := make([]GCIFile, 0, count)
	for i := 0; i < int(count); i++ {
		name, err := rd.ReadString()
		if err != nil {
			return err
		}
		data, err := readBlob(rd)
		if err != nil {
			return fmt.Errorf("could not decompress %s: %w", name, err)
		}
		files = append(files, GCIFile{Name: name, Data: data})
	}
	return r.store.WriteGCIFiles(slotA, r.title.Region, files)
}

func (r *Receiver) applyWii(rd *protocol.Reader) error {
	save, err := readWiiSave(rd)
	if err != nil {
		return err
	}
	titleID := r.title.TitleID
	if save != nil {
		titleID = save.Header.TID
	}
	return r.store.WriteWiiSave(titleID, save)
}

// Response is the client's answer to a finished transfer.
func Response(ok bool) []byte {
	sub := protocol.SaveSyncFailure
	if ok {
		sub = protocol.SaveSyncSuccess
	}
	return newMessage(sub).Bytes()
}

// Tracker records which players confirmed the save data while a start is
// pending. Only players that were sent the data are waited for.
type Tracker struct {
	pending bool
	// acked maps every player the data went to onto whether it confirmed.
	acked map[protocol.PlayerID]bool
}

// Begin arms the tracker for a new start, waiting for every pid given.
func (t *Tracker) Begin(pids []protocol.PlayerID) {
	t.pending = true
	t.acked = make(map[protocol.PlayerID]bool, len(pids))
	for _, pid := range pids {
		t.acked[pid] = false
	}
}

func (t *Tracker) Pending() bool { return t.pending }

// Cancel drops a pending start without reporting anything.
func (t *Tracker) Cancel() {
	t.pending = false
	t.acked = nil
}

// Success records pid's confirmation. It returns true exactly once, when
// every awaited player has confirmed and the game may start. Repeated or
// unexpected confirmations count for nothing.
func (t *Tracker) Success(pid protocol.PlayerID) bool {
	if !t.pending {
		return false
	}
	if _, ok := t.acked[pid]; !ok {
		return false
	}
	t.acked[pid] = true
	return t.settle()
}

// Leave stops waiting for pid. It returns true when the remaining players
// have all confirmed already.
func (t *Tracker) Leave(pid protocol.PlayerID) bool {
	if !t.pending {
		return false
	}
	delete(t.acked, pid)
	return t.settle()
}

func (t *Tracker) settle() bool {
	for _, ok := range t.acked {
		if !ok {
			return false
		}
	}
	t.pending = false
	t.acked = nil
	return true
}

// Failure aborts a pending start. It returns true if there was one to abort,
// so repeated failures are reported once.
func (t *Tracker) Failure() bool {
	if !t.pending {
		return false
	}
	t.Cancel()
	return true
}
