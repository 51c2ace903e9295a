package macho

import (
	"bytes"
	gomacho "debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
)

var (
	// ErrNoSpace occurs when a grown load command does not fit in the padding before the first section.
	ErrNoSpace = errors.New("not enough space for load commands")
	// ErrNotDylib occurs when setting the identifier of an image without LC_ID_DYLIB.
	ErrNotDylib = errors.New("image has no LC_ID_DYLIB")
	// ErrReadOnly occurs when editing a File opened without write access.
	ErrReadOnly = errors.New("file opened read-only")
	// ErrInvalidName occurs when a path to store contains a NUL byte or is empty.
	ErrInvalidName = errors.New("invalid load command path")
)

// Image is one thin Mach-O image, either the whole file or one slice of a fat file.
//
// Only the header and the load command region are kept in memory: the region
// spans from the start of the image to the first byte of section or segment data.
type Image struct {
	Offset    int64 // image start inside the file
	Size      int64
	ByteOrder binary.ByteOrder
	Is64      bool
	Cpu       uint32
	SubCpu    uint32
	Type      uint32
	Flags     uint32
	Loads     []Load
	buf       []byte
}

func (m *Image) headerSize() uint32 {
	if m.Is64 {
		return headerSize64
	}
	return headerSize32
}

func (m *Image) align() uint32 {
	if m.Is64 {
		return 8
	}
	return 4
}

// SizeOfCmds is the size in bytes of all load commands.
func (m *Image) SizeOfCmds() uint32 {
	return m.ByteOrder.Uint32(m.buf[offSizeOfCmds:])
}

// Free is the number of padding bytes available to grow load commands.
func (m *Image) Free() uint32 {
	return uint32(len(m.buf)) - m.headerSize() - m.SizeOfCmds()
}

func (m *Image) String() string {
	return fmt.Sprintf("%s %s (%d load commands, %d bytes free)",
		gomacho.Cpu(m.Cpu), gomacho.Type(m.Type), len(m.Loads), m.Free())
}

// ID is the LC_ID_DYLIB path, empty when the image is not a dylib.
func (m *Image) ID() (id string, ok bool) {
	if i := m.index(func(l Load) bool { return l.Cmd == LoadCmdDylibID }); i >= 0 {
		return m.Loads[i].Name, true
	}
	return
}

func (m *Image) index(f func(Load) bool) int {
	return slices.IndexFunc(m.Loads, f)
}

func (m *Image) names(f func(Load) bool) (v []string) {
	for _, l := range m.Loads {
		if f(l) {
			v = append(v, l.Name)
		}
	}
	return
}

func (m *Image) clone() *Image {
	c := *m
	c.buf = bytes.Clone(m.buf)
	c.Loads = slices.Clone(m.Loads)
	return &c
}

// parseImage reads a thin image of size bytes starting at off.
func parseImage(r io.ReaderAt, off, size int64) (m *Image, err error) {
	var ident [4]byte
	if _, err = r.ReadAt(ident[:], off); err != nil {
		return nil, &FormatError{off, "cannot read magic: " + err.Error()}
	}
	m = &Image{Offset: off, Size: size}
	le, be := binary.LittleEndian.Uint32(ident[:]), binary.BigEndian.Uint32(ident[:])
	switch {
	case le == Magic32:
		m.ByteOrder = binary.LittleEndian
	case le == Magic64:
		m.ByteOrder, m.Is64 = binary.LittleEndian, true
	case be == Magic32:
		m.ByteOrder = binary.BigEndian
	case be == Magic64:
		m.ByteOrder, m.Is64 = binary.BigEndian, true
	default:
		return nil, &FormatError{off, fmt.Sprintf("invalid magic number %#x", be)}
	}
	hs := int64(m.headerSize())
	if size < hs {
		return nil, &FormatError{off, "image smaller than its header"}
	}
	hdr := make([]byte, hs)
	if _, err = r.ReadAt(hdr, off); err != nil {
		return nil, &FormatError{off, "cannot read header: " + err.Error()}
	}
	bo := m.ByteOrder
	m.Cpu, m.SubCpu, m.Type = bo.Uint32(hdr[4:]), bo.Uint32(hdr[8:]), bo.Uint32(hdr[12:])
	m.Flags = bo.Uint32(hdr[24:])
	cmdsEnd := hs + int64(bo.Uint32(hdr[offSizeOfCmds:]))
	if cmdsEnd > size {
		return nil, &FormatError{off, "load commands exceed image size"}
	}
	m.buf = make([]byte, cmdsEnd)
	if _, err = r.ReadAt(m.buf, off); err != nil {
		return nil, &FormatError{off, "cannot read load commands: " + err.Error()}
	}
	if err = m.walk(); err != nil {
		return nil, err
	}
	limit, err := m.dataStart()
	if err != nil {
		return nil, err
	}
	if limit > size {
		limit = size
	}
	if limit < cmdsEnd {
		return nil, &FormatError{off, "load commands overlap section data"}
	}
	if limit > cmdsEnd {
		pad := make([]byte, limit-cmdsEnd)
		if _, err = r.ReadAt(pad, off+cmdsEnd); err != nil {
			return nil, &FormatError{off, "cannot read header padding: " + err.Error()}
		}
		m.buf = append(m.buf, pad...)
	}
	return m, nil
}

// walk decodes m.Loads from m.buf.
func (m *Image) walk() error {
	bo := m.ByteOrder
	n := bo.Uint32(m.buf[16:])
	p, end := m.headerSize(), m.headerSize()+m.SizeOfCmds()
	// a load command takes at least 8 bytes
	if n > m.SizeOfCmds()/8 {
		return &FormatError{m.Offset + 16, fmt.Sprintf("%d load commands do not fit in %d bytes", n, m.SizeOfCmds())}
	}
	loads := make([]Load, 0, n)
	for i := uint32(0); i < n; i++ {
		if p+8 > end {
			return &FormatError{m.Offset + int64(p), fmt.Sprintf("load command %d truncated", i)}
		}
		l := Load{Cmd: LoadCmd(bo.Uint32(m.buf[p:])), Off: p, Size: bo.Uint32(m.buf[p+4:])}
		if l.Size < 8 || l.Size > end-p {
			return &FormatError{m.Offset + int64(p), fmt.Sprintf("load command %d has invalid size %d", i, l.Size)}
		}
		if lo := l.Cmd.nameOffset(); lo > 0 {
			if l.Size < lo {
				return &FormatError{m.Offset + int64(p), fmt.Sprintf("%s too small", l.Cmd)}
			}
			l.NameOff = bo.Uint32(m.buf[p+8:])
			if l.NameOff < lo || l.NameOff >= l.Size {
				return &FormatError{m.Offset + int64(p), fmt.Sprintf("%s has invalid path offset %d", l.Cmd, l.NameOff)}
			}
			l.Name = cstring(m.buf[p+l.NameOff : p+l.Size])
		}
		loads = append(loads, l)
		p += l.Size
	}
	m.Loads = loads
	return nil
}

// dataStart finds the first file offset, relative to the image, holding segment or section content.
func (m *Image) dataStart() (limit int64, err error) {
	bo := m.ByteOrder
	limit = m.Size
	lower := func(v uint64) {
		if v > 0 && int64(v) < limit {
			limit = int64(v)
		}
	}
	for _, l := range m.Loads {
		c := m.buf[l.Off : l.Off+l.Size]
		var fileOff, fileSize uint64
		var nsects, first, step uint32
		switch l.Cmd {
		case LoadCmdSegment64:
			if l.Size < 72 {
				return 0, &FormatError{m.Offset + int64(l.Off), "LC_SEGMENT_64 too small"}
			}
			fileOff, fileSize, nsects, first, step = bo.Uint64(c[40:]), bo.Uint64(c[48:]), bo.Uint32(c[64:]), 72, 80
		case LoadCmdSegment:
			if l.Size < 56 {
				return 0, &FormatError{m.Offset + int64(l.Off), "LC_SEGMENT too small"}
			}
			fileOff, fileSize, nsects, first, step = uint64(bo.Uint32(c[32:])), uint64(bo.Uint32(c[36:])), bo.Uint32(c[48:]), 56, 68
		default:
			continue
		}
		if fileSize > 0 {
			lower(fileOff)
		}
		if uint64(first)+uint64(nsects)*uint64(step) > uint64(l.Size) {
			return 0, &FormatError{m.Offset + int64(l.Off), fmt.Sprintf("%s sections exceed command size", l.Cmd)}
		}
		for i := uint32(0); i < nsects; i++ {
			s := c[first+i*step:]
			var size uint64
			var offset, flags uint32
			if step == 80 {
				size, offset, flags = bo.Uint64(s[40:]), bo.Uint32(s[48:]), bo.Uint32(s[64:])
			} else {
				size, offset, flags = uint64(bo.Uint32(s[36:])), bo.Uint32(s[40:]), bo.Uint32(s[56:])
			}
			if size > 0 && !zerofill(flags) {
				lower(uint64(offset))
			}
		}
	}
	return
}

// rename stores name as the path of load command i, resizing the command when needed.
func (m *Image) rename(i int, name string) (err error) {
	l := m.Loads[i]
	if l.NameOff == 0 {
		return fmt.Errorf("%s carries no path", l.Cmd)
	}
	if l.Name == name {
		return
	}
	if name == "" || bytes.IndexByte([]byte(name), 0) >= 0 {
		return ErrInvalidName
	}
	bo := m.ByteOrder
	need := alignUp(l.NameOff+uint32(len(name))+1, m.align())
	cmd := make([]byte, need)
	copy(cmd, m.buf[l.Off:l.Off+l.NameOff])
	copy(cmd[l.NameOff:], name)
	bo.PutUint32(cmd[4:], need)
	end := m.headerSize() + m.SizeOfCmds()
	grown := int64(end) + int64(need) - int64(l.Size)
	if grown > int64(len(m.buf)) {
		return fmt.Errorf("%w: %s %q needs %d bytes, %d free", ErrNoSpace, l.Cmd, name, need-l.Size, m.Free())
	}
	tail := bytes.Clone(m.buf[l.Off+l.Size : end])
	copy(m.buf[l.Off:], cmd)
	copy(m.buf[l.Off+need:], tail)
	if g := uint32(grown); g < end {
		clear(m.buf[g:end])
	}
	bo.PutUint32(m.buf[offSizeOfCmds:], uint32(grown)-m.headerSize())
	return m.walk()
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
