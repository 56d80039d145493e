package savesync

import (
	"bytes"
	"fmt"

	"github.com/blukai/netplay/internal/protocol"
)

// WiiHeader is the save's banner header.
type WiiHeader struct {
	TID         uint64
	Permissions uint8
	Unk1        uint8
	MD5         [16]byte
	Unk2        uint16
	Banner      []byte
}

// WiiBkHeader is the backup header. NumberOfFiles is taken from the file list
// when encoding.
type WiiBkHeader struct {
	Size          uint32
	Magic         uint32
	NGID          uint32
	NumberOfFiles uint32
	SizeOfFiles   uint32
	Unk1          uint32
	Unk2          uint32
	TotalSize     uint32
	Unk3          [64]byte
	TID           uint64
	MACAddress    [6]byte
}

type WiiFileType uint8

const (
	WiiFileTypeFile      WiiFileType = 1
	WiiFileTypeDirectory WiiFileType = 2
)

type WiiFile struct {
	Mode       uint8
	Attributes uint8
	Type       WiiFileType
	Path       string
	// Data is only carried for regular files.
	Data []byte
}

type WiiSave struct {
	Header   WiiHeader
	BkHeader WiiBkHeader
	Files    []WiiFile
}

// writeWiiSave appends an exists flag and, for a non nil save, the headers
// and every file.
func writeWiiSave(w *protocol.Writer, save *WiiSave) error {
	w.WriteBool(save != nil)
	if save == nil {
		return nil
	}

	h := &save.Header
	w.WriteU64(h.TID)
	w.WriteU32(uint32(len(h.Banner)))
	w.WriteU8(h.Permissions)
	w.WriteU8(h.Unk1)
	_, _ = w.Write(h.MD5[:])
	w.WriteU16(h.Unk2)
	_, _ = w.Write(h.Banner)

	bk := &save.BkHeader
	w.WriteU32(bk.Size)
	w.WriteU32(bk.Magic)
	w.WriteU32(bk.NGID)
	w.WriteU32(uint32(len(save.Files)))
	w.WriteU32(bk.SizeOfFiles)
	w.WriteU32(bk.Unk1)
	w.WriteU32(bk.Unk2)
	w.WriteU32(bk.TotalSize)
	_, _ = w.Write(bk.Unk3[:])
	w.WriteU64(bk.TID)
	_, _ = w.Write(bk.MACAddress[:])

	for _, f := range save.Files {
		w.WriteU8(f.Mode)
		w.WriteU8(f.Attributes)
		w.WriteU8(uint8(f.Type))
		w.WriteString(f.Path)

		if f.Type == WiiFileTypeFile {
			if err := writeBlob(w, f.Data); err != nil {
				return fmt.Errorf("could not compress %s: %w", f.Path, err)
			}
		}
	}
	return nil
}

func readWiiSave(r *protocol.Reader) (*WiiSave, error) {
	exists, err := r.ReadBool()
	if err != nil || !exists {
		return nil, err
	}

	save := &WiiSave{}
	h := &save.Header
	if h.TID, err = r.ReadU64(); err != nil {
		return nil, err
	}
	bannerSize, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if h.Permissions, err = r.ReadU8(); err != nil {
		return nil, err
	}
	if h.Unk1, err = r.ReadU8(); err != nil {
		return nil, err
	}
	if err := readArray(r, h.MD5[:]); err != nil {
		return nil, err
	}
	if h.Unk2, err = r.ReadU16(); err != nil {
		return nil, err
	}
	banner, err := r.ReadN(int(bannerSize))
	if err != nil {
		return nil, fmt.Errorf("could not read banner: %w", err)
	}
	h.Banner = bytes.Clone(banner)

	bk := &save.BkHeader
	for _, field := range []*uint32{
		&bk.Size, &bk.Magic, &bk.NGID, &bk.NumberOfFiles,
		&bk.SizeOfFiles, &bk.Unk1, &bk.Unk2, &bk.TotalSize,
	} {
		if *field, err = r.ReadU32(); err != nil {
			return nil, fmt.Errorf("could not read bk header: %w", err)
		}
	}
	if err := readArray(r, bk.Unk3[:]); err != nil {
		return nil, err
	}
	if bk.TID, err = r.ReadU64(); err != nil {
		return nil, err
	}
	if err := readArray(r, bk.MACAddress[:]); err != nil {
		return nil, err
	}

	for i := uint32(0); i < bk.NumberOfFiles; i++ {
		f, err := readWiiFile(r)
		if err != nil {
			return nil, fmt.Errorf("could not read file %d: %w", i, err)
		}
		save.Files = append(save.Files, f)
	}
	return save, nil
}

func readWiiFile(r *protocol.Reader) (WiiFile, error) {
	var (
		f   WiiFile
		err error
	)
	if f.Mode, err = r.ReadU8(); err != nil {
		return f, err
	}
	if f.Attributes, err = r.ReadU8(); err != nil {
		return f, err
	}
	typ, err := r.ReadU8()
	if err != nil {
		return f, err
	}
	f.Type = WiiFileType(typ)
	if f.Path, err = r.ReadString(); err != nil {
		return f, err
	}

	switch f.Type {
	case WiiFileTypeFile:
		if f.Data, err = readBlob(r); err != nil {
			return f, err
		}
	case WiiFileTypeDirectory:
	default:
		return f, fmt.Errorf("%w: wii file type %d", ErrMalformed, typ)
	}
	return f, nil
}

func readArray(r *protocol.Reader, dst []byte) error {
	b, err := r.ReadN(len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}
