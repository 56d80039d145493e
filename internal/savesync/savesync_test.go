package savesync_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/blukai/netplay/internal/lzostream"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/savesync"
	"github.com/matryer/is"
)

var gcTitle = savesync.Title{GameID: "GALE01", Region: "USA"}

var wiiTitle = savesync.Title{GameID: "RSBE01", Region: "USA", IsWii: true, TitleID: 0x00010000_52534245}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7 / 5)
	}
	return b
}

// deliver feeds every message to a receiver and returns the last result.
func deliver(is *is.I, msgs []savesync.Message, rcv *savesync.Receiver) (savesync.Result, error) {
	result := savesync.Pending
	for _, m := range msgs {
		r := protocol.NewReader(m.Data)
		id, err := r.ReadMessageID()
		is.NoErr(err)
		is.Equal(id, protocol.MsgSyncSaveData)
		sub, err := r.ReadU8()
		is.NoErr(err)
		is.Equal(protocol.SaveSyncID(sub), m.Sub)

		result, err = rcv.Handle(m.Sub, r)
		if err != nil {
			return result, err
		}
		if result != savesync.Pending {
			is.True(r.EOF())
		}
	}
	return result, nil
}

func TestCount(t *testing.T) {
	is := is.New(t)

	settings := protocol.DefaultNetSettings()
	settings.EXIDevice = [2]uint32{protocol.EXIDeviceMemoryCard, protocol.EXIDeviceMemoryCardFolder}
	is.Equal(savesync.Count(&settings, gcTitle), 2)

	settings.EXIDevice = [2]uint32{protocol.EXIDeviceNone, protocol.EXIDeviceDummy}
	is.Equal(savesync.Count(&settings, gcTitle), 0)

	settings.CopyWiiSave = true
	is.Equal(savesync.Count(&settings, gcTitle), 0)
	is.Equal(savesync.Count(&settings, wiiTitle), 1)
}

func TestCardAndFolder(t *testing.T) {
	is := is.New(t)

	host := savesync.NewMemStorage()
	card := pattern(3*lzostream.ChunkSize + 17)
	is.NoErr(host.WriteCard(true, "USA", false, card))
	is.NoErr(host.WriteGCIFiles(false, "USA", []savesync.GCIFile{
		{Name: "01-GALE-melee.gci", Data: pattern(8192)},
		{Name: "01-GMSE-sunshine.gci", Data: pattern(10)},
		{Name: "01-GALE-empty.gci"},
	}))

	settings := protocol.DefaultNetSettings()
	settings.EXIDevice = [2]uint32{protocol.EXIDeviceMemoryCard, protocol.EXIDeviceMemoryCardFolder}

	msgs, err := savesync.Build(&settings, gcTitle, host)
	is.NoErr(err)
	is.Equal(len(msgs), 3)
	is.Equal(msgs[0].Sub, protocol.SaveSyncNotify)
	is.Equal(msgs[1].Sub, protocol.SaveSyncRaw)
	is.Equal(msgs[2].Sub, protocol.SaveSyncGCI)
	is.True(msgs[1].Digest() != msgs[2].Digest())

	client := savesync.NewMemStorage()
	is.NoErr(client.WriteGCIFiles(false, "USA", []savesync.GCIFile{{Name: "01-GALE-stale.gci", Data: []byte{1}}}))
	rcv := savesync.NewReceiver(client)
	rcv.SetTitle(gcTitle)

	result, err := deliver(is, msgs, rcv)
	is.NoErr(err)
	is.Equal(result, savesync.Succeeded)
	is.True(!rcv.Active())

	got, err := client.ReadCard(true, "USA", false)
	is.NoErr(err)
	is.True(bytes.Equal(got, card))

	files, err := client.ReadGCIFiles(false, "USA", "GALE01")
	is.NoErr(err)
	is.Equal(len(files), 2) // the stale file is gone, the other game's file was never sent
	is.Equal(files[0].Name, "01-GALE-empty.gci")
	is.Equal(len(files[0].Data), 0)
	is.Equal(files[1].Name, "01-GALE-melee.gci")
	is.True(bytes.Equal(files[1].Data, pattern(8192)))
}

func TestMissingCardRemovesClientCard(t *testing.T) {
	is := is.New(t)

	settings := protocol.DefaultNetSettings()
	settings.EXIDevice = [2]uint32{protocol.EXIDeviceNone, protocol.EXIDeviceMemoryCard}

	title := gcTitle
	title.MC251 = true
	msgs, err := savesync.Build(&settings, title, savesync.NewMemStorage())
	is.NoErr(err)
	is.Equal(len(msgs), 2)

	client := savesync.NewMemStorage()
	is.NoErr(client.WriteCard(false, "USA", true, []byte("old")))

	result, err := deliver(is, msgs, savesync.NewReceiver(client))
	is.NoErr(err)
	is.Equal(result, savesync.Succeeded)

	got, err := client.ReadCard(false, "USA", true)
	is.NoErr(err)
	is.True(got == nil)
}

func TestNothingToSync(t *testing.T) {
	is := is.New(t)

	settings := protocol.DefaultNetSettings()
	settings.EXIDevice = [2]uint32{protocol.EXIDeviceNone, protocol.EXIDeviceNone}

	msgs, err := savesync.Build(&settings, gcTitle, savesync.NewMemStorage())
	is.NoErr(err)
	is.Equal(len(msgs), 1)

	result, err := deliver(is, msgs, savesync.NewReceiver(savesync.NewMemStorage()))
	is.NoErr(err)
	is.Equal(result, savesync.Succeeded)
}

func wiiSave() *savesync.WiiSave {
	save := &savesync.WiiSave{
		Header: savesync.WiiHeader{
			TID:         wiiTitle.TitleID,
			Permissions: 0x3C,
			Unk1:        1,
			Unk2:        2,
			Banner:      pattern(0xF0C0),
		},
		BkHeader: savesync.WiiBkHeader{
			Size:       0x70,
			Magic:      0x426B0001,
			NGID:       0x1234,
			TotalSize:  0xFFFF,
			TID:        wiiTitle.TitleID,
			MACAddress: [6]byte{1, 2, 3, 4, 5, 6},
		},
		Files: []savesync.WiiFile{
			{Mode: 0x34, Type: savesync.WiiFileTypeDirectory, Path: "data"},
			{Mode: 0x34, Attributes: 1, Type: savesync.WiiFileTypeFile, Path: "data/save.bin", Data: pattern(100000)},
			{Mode: 0x34, Type: savesync.WiiFileTypeFile, Path: "data/empty.bin"},
		},
	}
	save.Header.MD5[0] = 0xAB
	save.BkHeader.Unk3[63] = 9
	return save
}

func TestWiiSave(t *testing.T) {
	is := is.New(t)

	host := savesync.NewMemStorage()
	is.NoErr(host.WriteWiiSave(wiiTitle.TitleID, wiiSave()))

	settings := protocol.DefaultNetSettings()
	settings.EXIDevice = [2]uint32{protocol.EXIDeviceNone, protocol.EXIDeviceNone}
	settings.CopyWiiSave = true

	msgs, err := savesync.Build(&settings, wiiTitle, host)
	is.NoErr(err)
	is.Equal(len(msgs), 2)
	is.Equal(msgs[1].Sub, protocol.SaveSyncWii)

	client := savesync.NewMemStorage()
	rcv := savesync.NewReceiver(client)
	rcv.SetTitle(wiiTitle)
	result, err := deliver(is, msgs, rcv)
	is.NoErr(err)
	is.Equal(result, savesync.Succeeded)

	got, err := client.ReadWiiSave(wiiTitle.TitleID)
	is.NoErr(err)
	want := wiiSave()
	want.BkHeader.NumberOfFiles = 3
	want.Files[2].Data = nil
	is.Equal(got, want)
}

func TestWiiSaveAbsent(t *testing.T) {
	is := is.New(t)

	settings := protocol.DefaultNetSettings()
	settings.EXIDevice = [2]uint32{protocol.EXIDeviceNone, protocol.EXIDeviceNone}
	settings.CopyWiiSave = true

	msgs, err := savesync.Build(&settings, wiiTitle, savesync.NewMemStorage())
	is.NoErr(err)

	client := savesync.NewMemStorage()
	is.NoErr(client.WriteWiiSave(wiiTitle.TitleID, wiiSave()))
	rcv := savesync.NewReceiver(client)
	rcv.SetTitle(wiiTitle)
	result, err := deliver(is, msgs, rcv)
	is.NoErr(err)
	is.Equal(result, savesync.Succeeded)

	got, err := client.ReadWiiSave(wiiTitle.TitleID)
	is.NoErr(err)
	is.True(got == nil)
}

func TestCorruptItemFails(t *testing.T) {
	is := is.New(t)

	host := savesync.NewMemStorage()
	is.NoErr(host.WriteCard(true, "USA", false, pattern(5000)))

	settings := protocol.DefaultNetSettings()
	msgs, err := savesync.Build(&settings, gcTitle, host)
	is.NoErr(err)
	is.Equal(len(msgs), 2)

	// cut the compressed stream short
	msgs[1].Data = msgs[1].Data[:len(msgs[1].Data)-8]

	rcv := savesync.NewReceiver(savesync.NewMemStorage())
	result, err := deliver(is, msgs, rcv)
	is.True(err != nil)
	is.Equal(result, savesync.Failed)
	is.True(!rcv.Active())
}

func TestItemWithoutNotify(t *testing.T) {
	is := is.New(t)

	rcv := savesync.NewReceiver(savesync.NewMemStorage())
	result, err := rcv.Handle(protocol.SaveSyncRaw, protocol.NewReader(nil))
	is.True(errors.Is(err, savesync.ErrMalformed))
	is.Equal(result, savesync.Failed)
}

func TestResponse(t *testing.T) {
	is := is.New(t)

	is.Equal(savesync.Response(true), []byte{byte(protocol.MsgSyncSaveData), byte(protocol.SaveSyncSuccess)})
	is.Equal(savesync.Response(false), []byte{byte(protocol.MsgSyncSaveData), byte(protocol.SaveSyncFailure)})
}

func TestTracker(t *testing.T) {
	is := is.New(t)

	var tr savesync.Tracker
	is.True(!tr.Success(2)) // not pending

	tr.Begin([]protocol.PlayerID{2, 3})
	is.True(!tr.Success(2))
	is.True(!tr.Success(2)) // a repeated confirmation counts once
	is.True(!tr.Success(4)) // never sent anything
	is.True(tr.Pending())
	is.True(tr.Success(3))
	is.True(!tr.Pending())
	is.True(!tr.Success(3)) // late success does not start twice

	tr.Begin([]protocol.PlayerID{2, 3})
	is.True(!tr.Success(2))
	is.True(tr.Failure())
	is.True(!tr.Failure())
	is.True(!tr.Success(3))
}

func TestTrackerLeave(t *testing.T) {
	is := is.New(t)

	var tr savesync.Tracker

	// a confirmed player leaving does not stand in for a silent one
	tr.Begin([]protocol.PlayerID{2, 3, 4})
	is.True(!tr.Success(2))
	is.True(!tr.Success(3))
	is.True(!tr.Leave(2))
	is.True(tr.Pending())
	is.True(tr.Success(4))

	// the last silent player leaving settles the start
	tr.Begin([]protocol.PlayerID{2, 3})
	is.True(!tr.Success(2))
	is.True(tr.Leave(3))
	is.True(!tr.Pending())
	is.True(!tr.Leave(2))
}

func TestDirStorage(t *testing.T) {
	is := is.New(t)

	root := t.TempDir()
	host := savesync.NewDirStorage(root)

	is.NoErr(host.WriteCard(true, "EUR", true, pattern(300)))
	is.NoErr(host.WriteGCIFiles(true, "EUR", []savesync.GCIFile{
		{Name: "01-GALE-b.gci", Data: []byte("b")},
		{Name: "01-GALE-a.gci", Data: []byte("a")},
		{Name: "8P-GZLE-zelda.gci", Data: []byte("z")},
	}))
	is.NoErr(host.WriteWiiSave(wiiTitle.TitleID, wiiSave()))

	_, err := os.Stat(filepath.Join(root, "EUR", "MemoryCardA.251.raw"))
	is.NoErr(err)

	card, err := host.ReadCard(true, "EUR", true)
	is.NoErr(err)
	is.True(bytes.Equal(card, pattern(300)))

	card, err = host.ReadCard(false, "EUR", false)
	is.NoErr(err)
	is.True(card == nil)

	files, err := host.ReadGCIFiles(true, "EUR", "GALE01")
	is.NoErr(err)
	is.Equal(files, []savesync.GCIFile{
		{Name: "01-GALE-a.gci", Data: []byte("a")},
		{Name: "01-GALE-b.gci", Data: []byte("b")},
	})

	files, err = host.ReadGCIFiles(false, "EUR", "GALE01")
	is.NoErr(err)
	is.Equal(len(files), 0)

	save, err := host.ReadWiiSave(wiiTitle.TitleID)
	is.NoErr(err)
	is.Equal(save.Files[1].Data, pattern(100000))

	is.NoErr(host.WriteCard(true, "EUR", true, nil))
	card, err = host.ReadCard(true, "EUR", true)
	is.NoErr(err)
	is.True(card == nil)
}

func TestDirStorageRejectsTraversal(t *testing.T) {
	is := is.New(t)

	s := savesync.NewDirStorage(t.TempDir())
	err := s.WriteGCIFiles(true, "USA", []savesync.GCIFile{{Name: "../escape.gci"}})
	is.True(errors.Is(err, savesync.ErrMalformed))
}

func TestRegionOutsideRootFails(t *testing.T) {
	is := is.New(t)

	host := savesync.NewMemStorage()
	title := savesync.Title{GameID: "GALE01", Region: "../escaped"}
	is.NoErr(host.WriteCard(true, title.Region, false, pattern(64)))

	settings := protocol.DefaultNetSettings()
	settings.EXIDevice = [2]uint32{protocol.EXIDeviceMemoryCard, protocol.EXIDeviceNone}
	msgs, err := savesync.Build(&settings, title, host)
	is.NoErr(err)

	base := t.TempDir()
	rcv := savesync.NewReceiver(savesync.NewDirStorage(filepath.Join(base, "saves")))
	result, err := deliver(is, msgs, rcv)
	is.Equal(result, savesync.Failed)
	is.True(errors.Is(err, savesync.ErrMalformed))

	_, err = os.Stat(filepath.Join(base, "escaped", "MemoryCardA.raw"))
	is.True(errors.Is(err, os.ErrNotExist))
}

func TestFolderWithBadRegionFails(t *testing.T) {
	is := is.New(t)

	settings := protocol.DefaultNetSettings()
	settings.EXIDevice = [2]uint32{protocol.EXIDeviceMemoryCardFolder, protocol.EXIDeviceNone}
	msgs, err := savesync.Build(&settings, gcTitle, savesync.NewMemStorage())
	is.NoErr(err)

	rcv := savesync.NewReceiver(savesync.NewDirStorage(t.TempDir()))
	rcv.SetTitle(savesync.Title{GameID: "GALE01", Region: ".."})
	result, err := deliver(is, msgs, rcv)
	is.Equal(result, savesync.Failed)
	is.True(errors.Is(err, savesync.ErrMalformed))
}
