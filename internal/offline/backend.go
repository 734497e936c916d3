package offline

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Backend persists named slots. Load returns nil, nil for a slot that was never
// saved; Save replaces the whole slot so readers never observe a partial write.
type Backend interface {
	Load(slot string) ([]byte, error)
	Save(slot string, data []byte) error
	Close() error
}

type Logger interface {
	Printf(format string, args ...any)
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}

func validSlot(slot string) bool {
	if slot == "" || strings.HasPrefix(slot, ".") {
		return false
	}
	for _, r := range slot {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

type MemoryBackend struct {
	mu    sync.Mutex
	slots map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{slots: map[string][]byte{}}
}

func (b *MemoryBackend) Load(slot string) ([]byte, error) {
	if !validSlot(slot) {
		return nil, fmt.Errorf("%w: slot %q", ErrInvalidInput, slot)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.slots[slot]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Save(slot string, data []byte) error {
	if !validSlot(slot) {
		return fmt.Errorf("%w: slot %q", ErrInvalidInput, slot)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[slot] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

// FileBackend keeps one JSON file per slot inside Dir.
type FileBackend struct {
	Dir string

	mu          sync.Mutex
	lastWritten map[string]string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{Dir: dir, lastWritten: map[string]string{}}, nil
}

func (b *FileBackend) Load(slot string) ([]byte, error) {
	if !validSlot(slot) {
		return nil, fmt.Errorf("%w: slot %q", ErrInvalidInput, slot)
	}
	data, err := os.ReadFile(b.slotPath(slot))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *FileBackend) Save(slot string, data []byte) error {
	if !validSlot(slot) {
		return fmt.Errorf("%w: slot %q", ErrInvalidInput, slot)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := writeFileAtomic(b.slotPath(slot), data, 0o644); err != nil {
		return err
	}
	b.lastWritten[slot] = hashBytes(data)
	return nil
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) slotPath(slot string) string {
	return filepath.Join(b.Dir, slot+".json")
}

func (b *FileBackend) slotFromPath(path string) (string, bool) {
	if filepath.Clean(filepath.Dir(path)) != b.Dir {
		return "", false
	}
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return "", false
	}
	slot := strings.TrimSuffix(base, ".json")
	if !validSlot(slot) {
		return "", false
	}
	return slot, true
}

// ownWrite reports whether the slot still holds the bytes this backend last wrote.
func (b *FileBackend) ownWrite(slot string) bool {
	b.mu.Lock()
	last, ok := b.lastWritten[slot]
	b.mu.Unlock()
	if !ok {
		return false
	}
	data, err := os.ReadFile(b.slotPath(slot))
	if err != nil {
		return false
	}
	return hashBytes(data) == last
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
