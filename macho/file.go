package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"github.com/ZenLiuCN/fn"
	"io"
	"os"
)

// File is a thin or universal Mach-O file whose load commands can be edited in place.
//
// Edits apply to every image of a universal file. Each edit is computed for all
// images before any byte is written, so an edit that does not fit leaves the file untouched.
type File struct {
	Fat    bool
	Images []*Image
	w      io.WriterAt
	closer io.Closer
}

// Open a Mach-O file, writable enables SetID and ChangeDependency.
func Open(name string, writable bool) (f *File, err error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	var fp *os.File
	if fp, err = os.OpenFile(name, flag, 0); err != nil {
		return
	}
	var st os.FileInfo
	if st, err = fp.Stat(); err != nil {
		fn.IgnoreClose(fp)
		return nil, err
	}
	if f, err = NewFile(fp, st.Size()); err != nil {
		fn.IgnoreClose(fp)
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if !writable {
		f.w = nil
	}
	f.closer = fp
	return
}

// NewFile parses the Mach-O file of size bytes in r. Edits are enabled when r is also an [io.WriterAt].
func NewFile(r io.ReaderAt, size int64) (f *File, err error) {
	f = new(File)
	f.w, _ = r.(io.WriterAt)
	var hdr [fatHeaderSize]byte
	if _, err = r.ReadAt(hdr[:], 0); err != nil {
		return nil, &FormatError{0, "cannot read file header: " + err.Error()}
	}
	magic := binary.BigEndian.Uint32(hdr[:])
	if magic != MagicFat && magic != MagicFat64 {
		var m *Image
		if m, err = parseImage(r, 0, size); err != nil {
			return nil, err
		}
		f.Images = []*Image{m}
		return
	}
	f.Fat = true
	n := binary.BigEndian.Uint32(hdr[4:])
	if n == 0 || n > maxFatArch {
		return nil, &FormatError{4, fmt.Sprintf("invalid fat arch count %d", n)}
	}
	step := int64(fatArchSize)
	if magic == MagicFat64 {
		step = fatArchSize64
	}
	arch := make([]byte, step)
	for i := int64(0); i < int64(n); i++ {
		at := fatHeaderSize + i*step
		if _, err = r.ReadAt(arch, at); err != nil {
			return nil, &FormatError{at, "cannot read fat arch: " + err.Error()}
		}
		var off, sz int64
		if magic == MagicFat64 {
			off, sz = int64(binary.BigEndian.Uint64(arch[8:])), int64(binary.BigEndian.Uint64(arch[16:]))
		} else {
			off, sz = int64(binary.BigEndian.Uint32(arch[8:])), int64(binary.BigEndian.Uint32(arch[12:]))
		}
		if off <= 0 || sz <= 0 || off > size || sz > size-off {
			return nil, &FormatError{at, fmt.Sprintf("fat arch %d out of file bounds", i)}
		}
		var m *Image
		if m, err = parseImage(r, off, sz); err != nil {
			return nil, err
		}
		f.Images = append(f.Images, m)
	}
	return
}

// Close the underlying file when opened by [Open].
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	c := f.closer
	f.closer = nil
	return c.Close()
}

// ID is the install name recorded in the first image carrying LC_ID_DYLIB.
func (f *File) ID() string {
	for _, m := range f.Images {
		if id, ok := m.ID(); ok {
			return id
		}
	}
	return ""
}

// Dependencies lists the paths of all dylib load commands in first-seen order, without duplicates across images.
func (f *File) Dependencies() []string {
	return f.collect(func(l Load) bool { return l.Cmd.IsDependency() })
}

// Rpaths lists LC_RPATH entries in first-seen order.
func (f *File) Rpaths() []string {
	return f.collect(func(l Load) bool { return l.Cmd == LoadCmdRpath })
}

// Signed reports whether any image carries LC_CODE_SIGNATURE.
func (f *File) Signed() bool {
	for _, m := range f.Images {
		if m.index(func(l Load) bool { return l.Cmd == LoadCmdCodeSignature }) >= 0 {
			return true
		}
	}
	return false
}

func (f *File) collect(match func(Load) bool) (v []string) {
	seen := make(map[string]struct{})
	for _, m := range f.Images {
		for _, s := range m.names(match) {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			v = append(v, s)
		}
	}
	return
}

// SetID stores id as LC_ID_DYLIB path of every image.
func (f *File) SetID(id string) error {
	found := false
	for _, m := range f.Images {
		if _, ok := m.ID(); ok {
			found = true
		}
	}
	if !found {
		return ErrNotDylib
	}
	return f.edit(func(m *Image) error {
		if i := m.index(func(l Load) bool { return l.Cmd == LoadCmdDylibID }); i >= 0 {
			return m.rename(i, id)
		}
		return nil
	})
}

// ChangeDependency replaces every dylib load command recording old with path. It is a no-op when old is absent.
func (f *File) ChangeDependency(old, path string) error {
	if old == path {
		return nil
	}
	return f.edit(func(m *Image) error {
		for {
			i := m.index(func(l Load) bool { return l.Cmd.IsDependency() && l.Name == old })
			if i < 0 {
				return nil
			}
			if err := m.rename(i, path); err != nil {
				return err
			}
		}
	})
}

// edit applies change to a copy of each image then writes back the images whose load commands changed.
func (f *File) edit(change func(m *Image) error) (err error) {
	if f.w == nil {
		return ErrReadOnly
	}
	staged := make([]*Image, len(f.Images))
	for i, m := range f.Images {
		c := m.clone()
		if err = change(c); err != nil {
			return
		}
		staged[i] = c
	}
	for i, c := range staged {
		if bytes.Equal(c.buf, f.Images[i].buf) {
			continue
		}
		if _, err = f.w.WriteAt(c.buf, c.Offset); err != nil {
			return fmt.Errorf("write load commands at %#x: %w", c.Offset, err)
		}
		f.Images[i] = c
	}
	return
}
