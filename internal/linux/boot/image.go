// Package boot loads a Linux bzImage into guest memory following the x86
// 64-bit boot protocol: kernel payload at 1 MiB, boot_params and command
// line in low memory, identity-mapped page tables and a flat GDT so the
// guest can be entered directly in long mode at the kernel's 64-bit entry
// point.
package boot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrImageInvalid is returned when the kernel image fails validation. The
// guest is never touched when parsing fails.
var ErrImageInvalid = errors.New("boot: invalid kernel image")

const (
	headerMagicOffset  = 0x202
	headerMagic        = "HdrS"
	headerLengthOffset = 0x201

	setupHeaderOffset = 497

	// minProtocolVersion is the oldest boot protocol the loader speaks.
	// 2.06 introduced the fields the 64-bit entry path relies on.
	minProtocolVersion = 0x0206

	// xlfKernel64 advertises a 64-bit entry point at load+0x200.
	xlfKernel64 = 1 << 0
)

// Setup header field offsets within the zero page.
const (
	bootFlagOffset        = setupHeaderOffset + 13
	headerOffset          = setupHeaderOffset + 17
	protocolVersionOffset = setupHeaderOffset + 21
	typeOfLoaderOffset    = setupHeaderOffset + 31
	loadFlagsOffset       = setupHeaderOffset + 32
	code32StartOffset     = setupHeaderOffset + 35
	ramdiskImageOffset    = setupHeaderOffset + 39
	ramdiskSizeOffset     = setupHeaderOffset + 43
	heapEndPtrOffset      = setupHeaderOffset + 51
	cmdLinePtrOffset      = setupHeaderOffset + 55
	initrdAddrMaxOffset   = setupHeaderOffset + 59
	kernelAlignmentOffset = setupHeaderOffset + 63
	relocatableOffset     = setupHeaderOffset + 67
	minAlignmentOffset    = setupHeaderOffset + 68
	xloadflagsOffset      = setupHeaderOffset + 69
	cmdlineSizeOffset     = setupHeaderOffset + 71
	prefAddressOffset     = setupHeaderOffset + 103
	initSizeOffset        = setupHeaderOffset + 111
)

// SetupHeader is the subset of the Linux setup_header the loader consumes.
type SetupHeader struct {
	SetupSectors      uint8
	ProtocolVersion   uint16
	LoadFlags         uint8
	Code32Start       uint32
	InitrdAddrMax     uint32
	KernelAlignment   uint32
	RelocatableKernel uint8
	MinAlignment      uint8
	XLoadFlags        uint16
	CmdlineSize       uint32
	PrefAddress       uint64
	InitSize          uint32
}

// Image is a validated bzImage held on the host side.
type Image struct {
	data []byte

	Header SetupHeader

	// headerBytes is the raw setup_header, copied verbatim into the
	// boot_params page at load time.
	headerBytes []byte

	// payloadOffset is where the protected-mode payload starts inside
	// the image.
	payloadOffset int
}

// ParseImage validates a bzImage and returns it ready for loading. All
// failures wrap ErrImageInvalid.
func ParseImage(data []byte) (*Image, error) {
	if len(data) < headerMagicOffset+4 {
		return nil, fmt.Errorf("%w: image too small (%d bytes)", ErrImageInvalid, len(data))
	}
	if string(data[headerMagicOffset:headerMagicOffset+4]) != headerMagic {
		return nil, fmt.Errorf("%w: missing HdrS signature", ErrImageInvalid)
	}

	headerLength := int(data[headerLengthOffset])
	headerEnd := headerMagicOffset + headerLength
	if headerEnd > len(data) || headerEnd <= setupHeaderOffset {
		return nil, fmt.Errorf("%w: setup header length %d", ErrImageInvalid, headerLength)
	}

	img := &Image{data: data}
	img.headerBytes = make([]byte, headerEnd-setupHeaderOffset)
	copy(img.headerBytes, data[setupHeaderOffset:headerEnd])

	hdr := &img.Header
	hdr.SetupSectors = data[setupHeaderOffset]
	if hdr.SetupSectors == 0 {
		hdr.SetupSectors = 4
	}
	hdr.ProtocolVersion = binary.LittleEndian.Uint16(data[protocolVersionOffset:])
	hdr.LoadFlags = data[loadFlagsOffset]
	hdr.Code32Start = binary.LittleEndian.Uint32(data[code32StartOffset:])
	hdr.InitrdAddrMax = binary.LittleEndian.Uint32(data[initrdAddrMaxOffset:])
	hdr.KernelAlignment = binary.LittleEndian.Uint32(data[kernelAlignmentOffset:])
	hdr.RelocatableKernel = data[relocatableOffset]
	hdr.MinAlignment = data[minAlignmentOffset]
	hdr.XLoadFlags = binary.LittleEndian.Uint16(data[xloadflagsOffset:])
	hdr.CmdlineSize = binary.LittleEndian.Uint32(data[cmdlineSizeOffset:])
	hdr.PrefAddress = binary.LittleEndian.Uint64(data[prefAddressOffset:])
	hdr.InitSize = binary.LittleEndian.Uint32(data[initSizeOffset:])

	if hdr.ProtocolVersion < minProtocolVersion {
		return nil, fmt.Errorf("%w: boot protocol %d.%02d too old, need 2.06",
			ErrImageInvalid, hdr.ProtocolVersion>>8, hdr.ProtocolVersion&0xFF)
	}
	if hdr.XLoadFlags&xlfKernel64 == 0 {
		return nil, fmt.Errorf("%w: kernel does not advertise a 64-bit entry point", ErrImageInvalid)
	}

	img.payloadOffset = 512 * (1 + int(hdr.SetupSectors))
	if img.payloadOffset >= len(data) {
		return nil, fmt.Errorf("%w: payload offset %d past end of image", ErrImageInvalid, img.payloadOffset)
	}

	return img, nil
}

// Payload returns the protected-mode payload that gets copied to the load
// address.
func (img *Image) Payload() []byte {
	return img.data[img.payloadOffset:]
}

// EntryPoint returns the 64-bit entry point when the payload is loaded at
// loadAddr. The boot protocol places it at load+0x200.
func (img *Image) EntryPoint(loadAddr uint64) uint64 {
	return loadAddr + 0x200
}
