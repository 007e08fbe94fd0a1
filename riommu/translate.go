package riommu

import (
	"fmt"

	"github.com/tjeznach/riommu/membus"
)

// Perm is the access permission of a DMA request or translation result.
type Perm uint8

const (
	PermNone  Perm = 0
	PermRead  Perm = 1 << 0
	PermWrite Perm = 1 << 1
	PermRW    Perm = PermRead | PermWrite
)

func (p Perm) String() string {
	switch p {
	case PermNone:
		return "NA"
	case PermRead:
		return "RO"
	case PermWrite:
		return "WO"
	case PermRW:
		return "RW"
	}
	return fmt.Sprintf("Perm(%d)", uint8(p))
}

// Entry is the result of translating one IOVA: the target address space
// to issue the access against, the translated address, the page mask of
// the translation granule (zero bits of AddrMask vary within the span)
// and the granted permissions.
type Entry struct {
	IOVA           uint64
	TranslatedAddr uint64
	AddrMask       uint64
	Perm           Perm
	Target         membus.AddressSpace
}

// Fault is returned to the endpoint when a translation fails. The same
// cause was reported into the fault queue unless suppressed.
type Fault struct {
	Cause uint32
}

func (f *Fault) Error() string {
	return fmt.Sprintf("riommu: translation fault, cause %d", f.Cause)
}

// msiCheck reports whether gpa matches the context's MSI address filter:
// flat MSI mode with the page number matching pattern on every bit the
// mask does not exclude.
func msiCheck(ctx *Ctx, gpa uint64) bool {
	if getField(ctx.MSIPtp, DCMSIPtpMode) != MSIPtpModeFlat {
		return false
	}
	if (ppnDown(gpa)^ctx.MSIAddrPattern)&^ctx.MSIAddrMask != 0 {
		return false
	}
	return true
}

// spaFetch resolves the supervisor physical address for the request.
// Writable accesses matching the MSI filter are redirected untranslated
// into the trap space where the MSI engine intercepts them. Everything
// else passes through identity-mapped: two-stage page table walking
// hooks in here once implemented.
func (s *IOMMU) spaFetch(ctx *Ctx, entry *Entry) int {
	if entry.Perm&PermWrite != 0 && msiCheck(ctx, entry.IOVA) {
		entry.Target = s.trap
		entry.TranslatedAddr = entry.IOVA
		entry.AddrMask = ^uint64(PageSize - 1)
		return 0
	}

	entry.TranslatedAddr = entry.IOVA
	entry.AddrMask = ^uint64(PageSize - 1)
	entry.Perm = PermRW
	return 0
}

// translate runs the translation engine for a fetched context.
func (s *IOMMU) translate(ctx *Ctx, entry *Entry) int {
	// TC bit 32 is a custom extension: devices opting in get an
	// automatic page request instead of a fault for permission-less
	// (ATS probe) translations that miss.
	enablePRI := entry.Perm == PermNone && ctx.TC&DCTCAutoPR != 0
	enablePASID := ctx.TC&DCTCPDTV != 0

	fault := s.spaFetch(ctx, entry)

	if enablePRI && fault != 0 {
		var hdr uint64
		if enablePASID {
			hdr = setField(PQHdrPV, PQHdrPID, uint64(ctx.ProcessID))
		}
		hdr = setField(hdr, PQHdrDID, uint64(ctx.DevID))
		payload := (entry.IOVA &^ uint64(PageSize-1)) | PQPayloadM
		s.pageRequest(hdr, payload)
		return fault
	}

	if fault != 0 {
		ttype := uint32(TTypeUAddrRd)
		if entry.Perm&PermWrite != 0 {
			ttype = TTypeUAddrWr
		}
		s.reportFault(ctx, ttype, uint32(fault), enablePASID,
			entry.IOVA, entry.TranslatedAddr)
		return fault
	}

	return 0
}

// reportFault builds a fault record and offers it to the fault queue.
// tc.DTF suppresses most causes; directory corruption, disabled DMA and
// MSI write failures are always reported.
func (s *IOMMU) reportFault(ctx *Ctx, ttype, cause uint32, pv bool, iotval, iotval2 uint64) {
	if ctx.TC&DCTCDTF != 0 {
		switch cause {
		case CauseDMADisabled,
			CauseDDTLoadFault,
			CauseDDTInvalid,
			CauseDDTMisconfig,
			CauseDDTCorrupted,
			CauseInternalDPError,
			CauseMSIWrFault:
			// Always fatal, DTF does not apply.
		default:
			return
		}
	}

	var hdr uint64
	hdr = setField(hdr, FQHdrCause, uint64(cause))
	hdr = setField(hdr, FQHdrTType, uint64(ttype))
	hdr = setField(hdr, FQHdrDID, uint64(ctx.DevID))
	hdr |= FQHdrPV

	if pv {
		hdr = setField(hdr, FQHdrPID, uint64(ctx.ProcessID))
	}

	s.fault(hdr, iotval, iotval2)
}
