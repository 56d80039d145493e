package savesync

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/blukai/netplay/internal/protocol"
)

// GCIFile is one exported GameCube save.
type GCIFile struct {
	Name string
	Data []byte
}

// Storage is where the host reads save data from and where clients put what
// they receive. Reads of absent data return nil without an error.
type Storage interface {
	ReadCard(slotA bool, region string, mc251 bool) ([]byte, error)
	// WriteCard with nil data removes the card image.
	WriteCard(slotA bool, region string, mc251 bool, data []byte) error

	// ReadGCIFiles returns the files in a card folder that belong to gameID,
	// ordered by name.
	ReadGCIFiles(slotA bool, region, gameID string) ([]GCIFile, error)
	// WriteGCIFiles replaces the content of a card folder.
	WriteGCIFiles(slotA bool, region string, files []GCIFile) error

	ReadWiiSave(titleID uint64) (*WiiSave, error)
	// WriteWiiSave with a nil save removes it.
	WriteWiiSave(titleID uint64, save *WiiSave) error
}

// GCI file names are "<maker>-<game code>-<name>.gci"; a six character game
// id is "<game code><maker>".
func gciBelongsTo(name, gameID string) bool {
	if len(gameID) < 6 || !strings.EqualFold(filepath.Ext(name), ".gci") {
		return false
	}
	return strings.HasPrefix(name, gameID[4:6]+"-"+gameID[:4]+"-")
}

// validRegion reports whether region names at most one directory level.
func validRegion(region string) bool {
	return region != "." && region != ".." && !strings.ContainsAny(region, `/\`)
}

// validGCIName reports whether name is a plain file name.
func validGCIName(name string) bool {
	return name != "" && validRegion(name)
}

type cardKey struct {
	slotA  bool
	region string
	mc251  bool
}

type folderKey struct {
	slotA  bool
	region string
}

// MemStorage keeps everything in memory. It is safe for concurrent use.
type MemStorage struct {
	mu      sync.Mutex
	cards   map[cardKey][]byte
	folders map[folderKey][]GCIFile
	wii     map[uint64]*WiiSave
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		cards:   make(map[cardKey][]byte),
		folders: make(map[folderKey][]GCIFile),
		wii:     make(map[uint64]*WiiSave),
	}
}

func (s *MemStorage) ReadCard(slotA bool, region string, mc251 bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.cards[cardKey{slotA, region, mc251}]), nil
}

func (s *MemStorage) WriteCard(slotA bool, region string, mc251 bool, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cardKey{slotA, region, mc251}
	if data == nil {
		delete(s.cards, key)
		return nil
	}
	s.cards[key] = bytes.Clone(data)
	return nil
}

func (s *MemStorage) ReadGCIFiles(slotA bool, region, gameID string) ([]GCIFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var files []GCIFile
	for _, f := range s.folders[folderKey{slotA, region}] {
		if gciBelongsTo(f.Name, gameID) {
			files = append(files, GCIFile{Name: f.Name, Data: bytes.Clone(f.Data)})
		}
	}
	slices.SortFunc(files, func(a, b GCIFile) int { return strings.Compare(a.Name, b.Name) })
	return files, nil
}

func (s *MemStorage) WriteGCIFiles(slotA bool, region string, files []GCIFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[folderKey{slotA, region}] = slices.Clone(files)
	return nil
}

func (s *MemStorage) ReadWiiSave(titleID uint64) (*WiiSave, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wii[titleID], nil
}

func (s *MemStorage) WriteWiiSave(titleID uint64, save *WiiSave) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if save == nil {
		delete(s.wii, titleID)
		return nil
	}
	s.wii[titleID] = save
	return nil
}

// DirStorage keeps saves under a root directory:
//
//	<root>/<region>/MemoryCardA.raw   (MemoryCardA.251.raw for mc251)
//	<root>/<region>/Card A/*.gci
//	<root>/wii/<title id>.bin
type DirStorage struct {
	root string
}

func NewDirStorage(root string) *DirStorage {
	return &DirStorage{root: root}
}

func (s *DirStorage) cardPath(slotA bool, region string, mc251 bool) string {
	name := "MemoryCard" + slotName(slotA)
	if mc251 {
		name += ".251"
	}
	return filepath.Join(s.root, region, name+".raw")
}

func (s *DirStorage) folderPath(slotA bool, region string) string {
	return filepath.Join(s.root, region, "Card "+slotName(slotA))
}

func (s *DirStorage) wiiPath(titleID uint64) string {
	return filepath.Join(s.root, "wii", fmt.Sprintf("%016x.bin", titleID))
}

func (s *DirStorage) ReadCard(slotA bool, region string, mc251 bool) ([]byte, error) {
	return readOptional(s.cardPath(slotA, region, mc251))
}

func (s *DirStorage) WriteCard(slotA bool, region string, mc251 bool, data []byte) error {
	return writeOptional(s.cardPath(slotA, region, mc251), data)
}

func (s *DirStorage) ReadGCIFiles(slotA bool, region, gameID string) ([]GCIFile, error) {
	dir := s.folderPath(slotA, region)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not list %s: %w", dir, err)
	}

	// ReadDir sorts by name
	var files []GCIFile
	for _, e := range entries {
		if e.IsDir() || !gciBelongsTo(e.Name(), gameID) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("could not read %s: %w", e.Name(), err)
		}
		files = append(files, GCIFile{Name: e.Name(), Data: data})
	}
	return files, nil
}

func (s *DirStorage) WriteGCIFiles(slotA bool, region string, files []GCIFile) error {
	for _, f := range files {
		// names come off the wire
		if !validGCIName(f.Name) {
			return fmt.Errorf("%w: gci file name %q", ErrMalformed, f.Name)
		}
	}

	dir := s.folderPath(slotA, region)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("could not clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create %s: %w", dir, err)
	}

	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0o644); err != nil {
			return fmt.Errorf("could not write %s: %w", f.Name, err)
		}
	}
	return nil
}

// Wii saves are stored in the same form they travel in.
func (s *DirStorage) ReadWiiSave(titleID uint64) (*WiiSave, error) {
	data, err := readOptional(s.wiiPath(titleID))
	if err != nil || data == nil {
		return nil, err
	}

	save, err := readWiiSave(protocol.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not decode wii save %016x: %w", titleID, err)
	}
	return save, nil
}

func (s *DirStorage) WriteWiiSave(titleID uint64, save *WiiSave) error {
	if save == nil {
		return writeOptional(s.wiiPath(titleID), nil)
	}

	w := &protocol.Writer{}
	if err := writeWiiSave(w, save); err != nil {
		return err
	}
	return writeOptional(s.wiiPath(titleID), w.Bytes())
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}
	return data, nil
}

func writeOptional(path string, data []byte) error {
	if data == nil {
		err := os.Remove(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("could not remove %s: %w", path, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("could not create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	return nil
}
