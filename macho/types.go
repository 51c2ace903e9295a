package macho

import (
	"fmt"
)

// Magic numbers of thin and universal images. Fat headers are always big-endian.
const (
	Magic32    uint32 = 0xfeedface
	Magic64    uint32 = 0xfeedfacf
	MagicFat   uint32 = 0xcafebabe
	MagicFat64 uint32 = 0xcafebabf
)

const (
	headerSize32    = 28
	headerSize64    = 32
	fatHeaderSize   = 8
	fatArchSize     = 20
	fatArchSize64   = 32
	maxFatArch      = 64
	dylibNameOffset = 24 // name, timestamp, current_version, compatibility_version
	rpathNameOffset = 12
	offSizeOfCmds   = 20
)

// A LoadCmd is a Mach-O load command.
type LoadCmd uint32

const (
	LoadCmdReqDyld         LoadCmd = 0x80000000
	LoadCmdSegment         LoadCmd = 0x1                   // segment of this file to be mapped
	LoadCmdSymtab          LoadCmd = 0x2                   // link-edit stab symbol table info
	LoadCmdDysymtab        LoadCmd = 0xb                   // dynamic link-edit symbol table info
	LoadCmdDylib           LoadCmd = 0xc                   // load dylib command
	LoadCmdDylibID         LoadCmd = 0xd                   // id dylib command
	LoadCmdLoadWeakDylib   LoadCmd = 0x18 | LoadCmdReqDyld // dylib allowed to be missing
	LoadCmdSegment64       LoadCmd = 0x19                  // 64-bit segment of this file to be mapped
	LoadCmdUUID            LoadCmd = 0x1b                  // the uuid
	LoadCmdRpath           LoadCmd = 0x1c | LoadCmdReqDyld // runpath additions
	LoadCmdCodeSignature   LoadCmd = 0x1d                  // local of code signature
	LoadCmdReexportDylib   LoadCmd = 0x1f | LoadCmdReqDyld // load and re-export dylib
	LoadCmdLazyLoadDylib   LoadCmd = 0x20                  // delay load of dylib until first use
	LoadCmdLoadUpwardDylib LoadCmd = 0x23 | LoadCmdReqDyld // load upward dylib
	LoadCmdBuildVersion    LoadCmd = 0x32                  // build for platform min OS version
	LoadCmdChainedFixups   LoadCmd = 0x34 | LoadCmdReqDyld // used with linkedit_data_command
	LoadCmdExportsTrie     LoadCmd = 0x33 | LoadCmdReqDyld // used with linkedit_data_command
	LoadCmdMain            LoadCmd = 0x28 | LoadCmdReqDyld // replacement for LC_UNIXTHREAD
	LoadCmdSourceVersion   LoadCmd = 0x2a                  // source version used to build binary
	LoadCmdFunctionStarts  LoadCmd = 0x26                  // compressed table of function start addresses
	LoadCmdDataInCode      LoadCmd = 0x29                  // table of non-instructions in __text
	LoadCmdDyldInfoOnly    LoadCmd = 0x22 | LoadCmdReqDyld // compressed dyld information only
	LoadCmdVersionMinMacos LoadCmd = 0x24                  // build for MacOSX min OS version
)

var cmdNames = map[LoadCmd]string{
	LoadCmdSegment:         "LC_SEGMENT",
	LoadCmdSymtab:          "LC_SYMTAB",
	LoadCmdDysymtab:        "LC_DYSYMTAB",
	LoadCmdDylib:           "LC_LOAD_DYLIB",
	LoadCmdDylibID:         "LC_ID_DYLIB",
	LoadCmdLoadWeakDylib:   "LC_LOAD_WEAK_DYLIB",
	LoadCmdSegment64:       "LC_SEGMENT_64",
	LoadCmdUUID:            "LC_UUID",
	LoadCmdRpath:           "LC_RPATH",
	LoadCmdCodeSignature:   "LC_CODE_SIGNATURE",
	LoadCmdReexportDylib:   "LC_REEXPORT_DYLIB",
	LoadCmdLazyLoadDylib:   "LC_LAZY_LOAD_DYLIB",
	LoadCmdLoadUpwardDylib: "LC_LOAD_UPWARD_DYLIB",
	LoadCmdBuildVersion:    "LC_BUILD_VERSION",
	LoadCmdChainedFixups:   "LC_DYLD_CHAINED_FIXUPS",
	LoadCmdExportsTrie:     "LC_DYLD_EXPORTS_TRIE",
	LoadCmdMain:            "LC_MAIN",
	LoadCmdSourceVersion:   "LC_SOURCE_VERSION",
	LoadCmdFunctionStarts:  "LC_FUNCTION_STARTS",
	LoadCmdDataInCode:      "LC_DATA_IN_CODE",
	LoadCmdDyldInfoOnly:    "LC_DYLD_INFO_ONLY",
	LoadCmdVersionMinMacos: "LC_VERSION_MIN_MACOSX",
}

func (c LoadCmd) String() string {
	if s, ok := cmdNames[c]; ok {
		return s
	}
	return fmt.Sprintf("LC_0x%x", uint32(c))
}

// IsDependency reports whether the command records a library the image loads.
func (c LoadCmd) IsDependency() bool {
	switch c {
	case LoadCmdDylib, LoadCmdLoadWeakDylib, LoadCmdReexportDylib, LoadCmdLazyLoadDylib, LoadCmdLoadUpwardDylib:
		return true
	}
	return false
}

// nameOffset is the smallest legal lc_str offset for commands carrying a path.
func (c LoadCmd) nameOffset() uint32 {
	switch {
	case c == LoadCmdDylibID || c.IsDependency():
		return dylibNameOffset
	case c == LoadCmdRpath:
		return rpathNameOffset
	}
	return 0
}

// section types whose content is not backed by file data
const (
	sectionTypeMask       = 0xff
	sectionZerofill       = 0x1
	sectionGBZerofill     = 0xc
	sectionThreadZerofill = 0x12
)

func zerofill(flags uint32) bool {
	switch flags & sectionTypeMask {
	case sectionZerofill, sectionGBZerofill, sectionThreadZerofill:
		return true
	}
	return false
}

// Load is one parsed load command of an Image.
type Load struct {
	Cmd     LoadCmd
	Off     uint32 // offset from the start of the image
	Size    uint32
	NameOff uint32 // lc_str offset inside the command, zero when the command has no path
	Name    string
}

// FormatError is returned when the data does not have the layout of a Mach-O image.
type FormatError struct {
	Off int64
	Msg string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid mach-o at offset %#x: %s", e.Off, e.Msg)
}
