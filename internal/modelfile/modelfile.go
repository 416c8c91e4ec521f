// Package modelfile reads and writes the JSON model container used by the
// reference backend.
//
// A model file holds the vocabulary, the shape of the reference network, the
// seed its weights are generated from and any explicit tensors. Files are
// memory mapped when the caller asks for it, and the mapping can be locked
// into RAM.
package modelfile

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/tokenloop/internal/errs"
	"github.com/samcharles93/tokenloop/internal/tokenizer"
)

const (
	Magic   = "tokenloop-model"
	Version = 1
)

// Model is the decoded content of a model file.
type Model struct {
	Format  string                    `json:"format"`
	Version int                       `json:"version"`
	Name    string                    `json:"name"`
	Hidden  int                       `json:"hidden"`
	Seed    int64                     `json:"seed"`
	Vocab   tokenizer.ByteLevelConfig `json:"vocab"`
	Tensors map[string][]float32      `json:"tensors,omitempty"`
}

// Options selects how the file is brought into memory.
type Options struct {
	UseMmap  bool
	UseMlock bool
}

// File is an opened model file. Close releases the mapping.
type File struct {
	Model  Model
	Size   int64
	data   []byte
	mapped bool
	locked bool
}

// Mapped reports whether the file is memory mapped.
func (f *File) Mapped() bool { return f.mapped }

// Locked reports whether the file pages are locked into RAM.
func (f *File) Locked() bool { return f.locked }

// Open reads and validates a model file. With UseMmap the file is mapped
// read-only; if mapping fails it falls back to reading. A failed mlock is
// reported through the returned warning and does not fail the open.
func Open(path string, opts Options) (mf *File, warning error, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errs.ErrLoad, err)
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errs.ErrLoad, err)
	}
	size64 := stat.Size()
	if size64 <= 0 || size64 > int64(int(^uint(0)>>1)) {
		return nil, nil, ErrCorruptFile
	}
	size := int(size64)

	out := &File{Size: size64}
	if opts.UseMmap {
		data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			out.data, out.mapped = data, true
		}
	}
	if out.data == nil {
		data, err := readAllAt(f, size)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", errs.ErrLoad, err)
		}
		out.data = data
	}

	if opts.UseMlock {
		if err := unix.Mlock(out.data); err != nil {
			warning = fmt.Errorf("mlock %d bytes: %w", size, err)
		} else {
			out.locked = true
		}
	}

	if err := Decode(out.data, &out.Model); err != nil {
		_ = out.Close()
		return nil, nil, err
	}
	return out, warning, nil
}

// Decode parses and validates model file bytes.
func Decode(data []byte, m *Model) error {
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptFile, err)
	}
	if m.Format != Magic {
		return ErrFormat
	}
	if m.Version != Version {
		return fmt.Errorf("%w: %d", ErrVersion, m.Version)
	}
	if m.Hidden <= 0 {
		return fmt.Errorf("%w: hidden size %d", ErrCorruptFile, m.Hidden)
	}
	return nil
}

// Close unlocks and unmaps the file data.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.locked {
		err = unix.Munlock(f.data)
		f.locked = false
	}
	if f.mapped {
		if uerr := unix.Munmap(f.data); uerr != nil && err == nil {
			err = uerr
		}
		f.mapped = false
	}
	f.data = nil
	return err
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

// Write encodes m to path, filling in the format header.
func Write(path string, m Model) error {
	m.Format = Magic
	m.Version = Version
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model file: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
