// Package machotest builds minimal Mach-O dylib images for tests.
//
// The images carry one __TEXT segment with a single __text section placed after
// the load commands and a configurable amount of header padding, which is what
// in-place load command edits depend on.
package machotest

import (
	"encoding/binary"
)

const (
	CpuArm64 uint32 = 0x0100000c
	CpuAmd64 uint32 = 0x01000007
	Cpu386   uint32 = 0x7

	TypeDylib  uint32 = 0x6
	TypeBundle uint32 = 0x8

	// DefaultPadding is used when Image.Padding is zero.
	DefaultPadding uint32 = 256

	// TextByte fills the __text section, so tests can check section data was not touched.
	TextByte byte = 0xc3

	TextSize = 16
)

const (
	lcSegment       = 0x1
	lcLoadDylib     = 0xc
	lcIDDylib       = 0xd
	lcLoadWeakDylib = 0x80000018
	lcSegment64     = 0x19
	lcRpath         = 0x8000001c
	lcCodeSignature = 0x1d
)

// Image describes the load commands of a generated image.
type Image struct {
	Is32      bool
	BigEndian bool
	Cpu       uint32 // CpuArm64 when zero, Cpu386 for 32-bit images
	ID        string // LC_ID_DYLIB, a bundle is generated when empty
	Deps      []string
	Weak      []string
	Rpaths    []string
	Signed    bool
	Padding   uint32
}

// Build a thin image.
func Build(im Image) []byte {
	var bo binary.ByteOrder = binary.LittleEndian
	if im.BigEndian {
		bo = binary.BigEndian
	}
	align, hs, segSize := uint32(8), uint32(32), uint32(72+80)
	if im.Is32 {
		align, hs, segSize = 4, 28, 56+68
	}
	var cmds [][]byte
	if im.ID != "" {
		cmds = append(cmds, dylib(bo, lcIDDylib, im.ID, align))
	}
	for _, d := range im.Deps {
		cmds = append(cmds, dylib(bo, lcLoadDylib, d, align))
	}
	for _, d := range im.Weak {
		cmds = append(cmds, dylib(bo, lcLoadWeakDylib, d, align))
	}
	for _, r := range im.Rpaths {
		cmds = append(cmds, rpath(bo, r, align))
	}
	if im.Signed {
		c := make([]byte, 16)
		bo.PutUint32(c, lcCodeSignature)
		bo.PutUint32(c[4:], 16)
		cmds = append(cmds, c)
	}
	sizeOfCmds := segSize
	for _, c := range cmds {
		sizeOfCmds += uint32(len(c))
	}
	pad := im.Padding
	if pad == 0 {
		pad = DefaultPadding
	}
	textOff := alignUp(hs+sizeOfCmds+pad, 16)
	total := textOff + TextSize
	cmds = append([][]byte{segment(bo, im.Is32, textOff, total)}, cmds...)

	out := make([]byte, total)
	cpu, typ, magic := im.Cpu, TypeDylib, uint32(0xfeedfacf)
	if im.Is32 {
		magic = 0xfeedface
	}
	if cpu == 0 {
		cpu = CpuArm64
		if im.Is32 {
			cpu = Cpu386
		}
	}
	if im.ID == "" {
		typ = TypeBundle
	}
	bo.PutUint32(out[0:], magic)
	bo.PutUint32(out[4:], cpu)
	bo.PutUint32(out[12:], typ)
	bo.PutUint32(out[16:], uint32(len(cmds)))
	bo.PutUint32(out[20:], sizeOfCmds)
	bo.PutUint32(out[24:], 0x00100085)
	p := hs
	for _, c := range cmds {
		copy(out[p:], c)
		p += uint32(len(c))
	}
	for i := textOff; i < total; i++ {
		out[i] = TextByte
	}
	return out
}

// Fat builds a universal file holding one slice per image, each aligned to 4096 bytes.
func Fat(images ...Image) []byte {
	const sliceAlign = 4096
	slices := make([][]byte, len(images))
	for i, im := range images {
		slices[i] = Build(im)
	}
	off := alignUp(uint32(8+20*len(images)), sliceAlign)
	out := make([]byte, off)
	binary.BigEndian.PutUint32(out[0:], 0xcafebabe)
	binary.BigEndian.PutUint32(out[4:], uint32(len(images)))
	for i, s := range slices {
		cpu := images[i].Cpu
		if cpu == 0 {
			cpu = CpuArm64
		}
		a := out[8+20*i:]
		binary.BigEndian.PutUint32(a[0:], cpu)
		binary.BigEndian.PutUint32(a[8:], off)
		binary.BigEndian.PutUint32(a[12:], uint32(len(s)))
		binary.BigEndian.PutUint32(a[16:], 12)
		out = append(out, s...)
		off += uint32(len(s))
		if i < len(slices)-1 {
			next := alignUp(off, sliceAlign)
			out = append(out, make([]byte, next-off)...)
			off = next
		}
	}
	return out
}

func dylib(bo binary.ByteOrder, cmd uint32, name string, align uint32) []byte {
	size := alignUp(24+uint32(len(name))+1, align)
	b := make([]byte, size)
	bo.PutUint32(b[0:], cmd)
	bo.PutUint32(b[4:], size)
	bo.PutUint32(b[8:], 24)
	bo.PutUint32(b[12:], 2)
	bo.PutUint32(b[16:], 0x10000)
	bo.PutUint32(b[20:], 0x10000)
	copy(b[24:], name)
	return b
}

func rpath(bo binary.ByteOrder, path string, align uint32) []byte {
	size := alignUp(12+uint32(len(path))+1, align)
	b := make([]byte, size)
	bo.PutUint32(b[0:], lcRpath)
	bo.PutUint32(b[4:], size)
	bo.PutUint32(b[8:], 12)
	copy(b[12:], path)
	return b
}

func segment(bo binary.ByteOrder, is32 bool, textOff, total uint32) []byte {
	var b []byte
	if is32 {
		b = make([]byte, 56+68)
		bo.PutUint32(b[0:], lcSegment)
		bo.PutUint32(b[4:], uint32(len(b)))
		copy(b[8:], "__TEXT")
		bo.PutUint32(b[28:], total) // vmsize
		bo.PutUint32(b[36:], total) // filesize
		bo.PutUint32(b[40:], 5)
		bo.PutUint32(b[44:], 5)
		bo.PutUint32(b[48:], 1)
		s := b[56:]
		copy(s[0:], "__text")
		copy(s[16:], "__TEXT")
		bo.PutUint32(s[32:], textOff)
		bo.PutUint32(s[36:], TextSize)
		bo.PutUint32(s[40:], textOff)
		bo.PutUint32(s[56:], 0x80000400)
		return b
	}
	b = make([]byte, 72+80)
	bo.PutUint32(b[0:], lcSegment64)
	bo.PutUint32(b[4:], uint32(len(b)))
	copy(b[8:], "__TEXT")
	bo.PutUint64(b[32:], uint64(total)) // vmsize
	bo.PutUint64(b[48:], uint64(total)) // filesize
	bo.PutUint32(b[56:], 5)
	bo.PutUint32(b[60:], 5)
	bo.PutUint32(b[64:], 1)
	s := b[72:]
	copy(s[0:], "__text")
	copy(s[16:], "__TEXT")
	bo.PutUint64(s[32:], uint64(textOff))
	bo.PutUint64(s[40:], TextSize)
	bo.PutUint32(s[48:], textOff)
	bo.PutUint32(s[64:], 0x80000400)
	return b
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
