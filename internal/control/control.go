package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	BlockSize = 16
	Magic     = 0x53545241 // 'STRA'
	Version   = 1
)

// ErrLocked means another invocation holds the run lock.
var ErrLocked = errors.New("another run holds the lock")

// Block is the on-disk layout of the lock file.
type Block struct {
	Magic      uint32
	Version    uint32
	Generation uint64
}

// Lock is an exclusive, single-invocation run lock on the state directory.
// Each successful acquisition advances the generation counter stored in
// the lock file, which tags the run in logs.
type Lock struct {
	path  string
	file  *os.File
	block Block
}

// Acquire takes the lock at path without blocking. It returns ErrLocked if
// another process (or another open of the same file) holds it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	l := &Lock{path: path, file: f}
	if err := l.load(); err != nil {
		_ = l.Release()
		return nil, err
	}

	l.block.Generation++
	if err := l.store(); err != nil {
		_ = l.Release()
		return nil, err
	}
	return l, nil
}

func (l *Lock) load() error {
	buf := make([]byte, BlockSize)
	n, err := l.file.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read lock file: %w", err)
	}
	if n < BlockSize {
		l.block = Block{Magic: Magic, Version: Version}
		return nil
	}
	l.block = Block{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		Version:    binary.LittleEndian.Uint32(buf[4:8]),
		Generation: binary.LittleEndian.Uint64(buf[8:16]),
	}
	if l.block.Magic != Magic {
		return fmt.Errorf("invalid magic: %x", l.block.Magic)
	}
	return nil
}

func (l *Lock) store() error {
	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], l.block.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], l.block.Version)
	binary.LittleEndian.PutUint64(buf[8:16], l.block.Generation)
	if _, err := l.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return l.file.Sync()
}

// Generation returns the run generation claimed by this lock.
func (l *Lock) Generation() uint64 {
	return l.block.Generation
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. The lock file stays so the generation persists.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
