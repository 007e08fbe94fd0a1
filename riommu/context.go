package riommu

import "encoding/binary"

// Ctx is the translation context for one {device_id, process_id} pair,
// materialized from a device directory walk and an optional process
// directory walk. Entries live in the context cache; invalidation clears
// the tc valid bit in place.
type Ctx struct {
	DevID     uint32 // requester id, 24 bits
	ProcessID uint32 // PASID, 20 bits

	TC             uint64 // translation control
	TA             uint64 // translation attributes
	MSIPtp         uint64 // MSI page table pointer and mode
	MSIAddrMask    uint64
	MSIAddrPattern uint64
}

// Device context record layout inside a DDT leaf page. The extended
// format carries the MSI redirection fields; the base format stops at
// fsc.
const (
	dcOffTC      = 0
	dcOffTA      = 16
	dcOffFSC     = 24
	dcOffMSIPtp  = 32
	dcOffMSIMask = 40
	dcOffMSIPat  = 48

	dcLenBase = 32
	dcLenExt  = 64
)

// fetchContext walks the device directory tree, and with tc.PDTV the
// process directory tree, to populate ctx. Returns zero on success or a
// fault cause code.
func (s *IOMMU) fetchContext(ctx *Ctx) int {
	ddtp := s.ddtp
	mode := getField(ddtp, DDTPMode)
	addr := ppnPhys(getField(ddtp, DDTPPPN))

	// Device context format: base (32 bytes) unless MSI translation is
	// enabled, then extended (64 bytes).
	ext := s.enableMSI
	dcLen := uint64(dcLenBase)
	if ext {
		dcLen = dcLenExt
	}

	var depth uint
	switch mode {
	case DDTPModeOff:
		return CauseDMADisabled

	case DDTPModeBare:
		// Mock up a pass-through translation context.
		ctx.TC = DCTCValid
		ctx.TA = 0
		ctx.MSIPtp = 0
		return 0

	case DDTPMode1LVL:
		depth = 0
	case DDTPMode2LVL:
		depth = 1
	case DDTPMode3LVL:
		depth = 2

	default:
		return CauseDDTMisconfig
	}

	// Check supported device id width in bits. The base format packs
	// one more index bit per non-leaf level:
	//   extended: 1LVL 6, 2LVL 15, 3LVL 24
	//   base:     1LVL 7, 2LVL 16, 3LVL 24
	width := depth*9 + 6
	if !ext && depth != 2 {
		width++
	}
	if uint64(ctx.DevID) >= uint64(1)<<width {
		return CauseTTypeBlocked
	}

	// Non-leaf directory walk, high index bits first. Each index starts
	// at bit level*9 + 6 (+1 for base) and is 9 bits wide; only the top
	// level of a base-format 3LVL tree is narrower (devid bits [23:16]).
	for level := int(depth) - 1; level >= 0; level-- {
		split := uint(level)*9 + 6
		if !ext {
			split++
		}
		addr |= (uint64(ctx.DevID>>split) << 3) & (PageSize - 1)

		de, err := s.readLE64(addr)
		if err != nil {
			return CauseDDTLoadFault
		}
		if de&DDTEValid == 0 {
			return CauseDDTInvalid
		}
		if de&^(DDTEPPN|DDTEValid) != 0 {
			return CauseDDTMisconfig
		}
		addr = ppnPhys(getField(de, DDTEPPN))
	}

	// Index into the device context leaf page.
	addr |= (uint64(ctx.DevID) * dcLen) & (PageSize - 1)

	dc := make([]byte, dcLenExt)
	if err := s.target.Read(addr, dc[:dcLen]); err != nil {
		return CauseDDTLoadFault
	}

	ctx.TC = binary.LittleEndian.Uint64(dc[dcOffTC:])
	ctx.TA = binary.LittleEndian.Uint64(dc[dcOffTA:])
	ctx.MSIPtp = binary.LittleEndian.Uint64(dc[dcOffMSIPtp:])
	ctx.MSIAddrMask = binary.LittleEndian.Uint64(dc[dcOffMSIMask:])
	ctx.MSIAddrPattern = binary.LittleEndian.Uint64(dc[dcOffMSIPat:])

	if ctx.TC&DCTCValid == 0 {
		return CauseDDTInvalid
	}
	if !s.validateDeviceCtx(ctx) {
		return CauseDDTMisconfig
	}

	if ctx.TC&DCTCPDTV == 0 {
		if ctx.ProcessID != 0 {
			// Process table disabled for this device.
			return CauseTTypeBlocked
		}
		return 0
	}

	// tc.PDTV set: fsc holds the process directory table pointer.
	fsc := binary.LittleEndian.Uint64(dc[dcOffFSC:])
	pdtpMode := getField(fsc, DCFscMode)
	if pdtpMode < PDTPModePD8 || pdtpMode > PDTPModePD20 {
		return CausePDTMisconfig
	}
	addr = ppnPhys(getField(fsc, DCFscPPN))

	// Non-leaf PDT walk, 9-bit index per level at level*9 + 8.
	for level := int(pdtpMode-PDTPModePD8) - 1; level >= 0; level-- {
		split := uint(level)*9 + 8
		addr |= (uint64(ctx.ProcessID>>split) << 3) & (PageSize - 1)

		de, err := s.readLE64(addr)
		if err != nil {
			return CausePDTLoadFault
		}
		if de&PCTAValid == 0 {
			return CausePDTInvalid
		}
		addr = ppnPhys(getField(de, PCFscPPN))
	}

	// Leaf process context, 16 bytes {ta, fsc}.
	addr |= (uint64(ctx.ProcessID) << 4) & (PageSize - 1)
	var pc [16]byte
	if err := s.target.Read(addr, pc[:]); err != nil {
		return CausePDTLoadFault
	}

	ctx.TA = binary.LittleEndian.Uint64(pc[:8])

	if ctx.TA&PCTAValid == 0 {
		return CausePDTInvalid
	}
	if getField(ctx.TA, PCTAReserved) != 0 {
		return CausePDTMisconfig
	}

	return 0
}

// validateDeviceCtx applies the device-context configuration checks.
func (s *IOMMU) validateDeviceCtx(ctx *Ctx) bool {
	if ctx.TC&DCTCEnPRI == 0 && ctx.TC&DCTCPRPR != 0 {
		return false
	}

	if s.cap&CapT2GPA == 0 && ctx.TC&DCTCT2GPA != 0 {
		return false
	}

	if s.cap&CapMSIFlat != 0 {
		msiMode := getField(ctx.MSIPtp, DCMSIPtpMode)
		if msiMode != MSIPtpModeOff && msiMode != MSIPtpModeFlat {
			return false
		}
	}

	// Only little-endian accesses are implemented, so tc.SBE must be
	// clear.
	if ctx.TC&DCTCSBE != 0 {
		return false
	}

	return true
}

func (s *IOMMU) readLE64(addr uint64) (uint64, error) {
	var b [8]byte
	if err := s.target.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
