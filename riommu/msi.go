package riommu

import (
	"encoding/binary"
	"fmt"

	"github.com/tjeznach/riommu/membus"
)

// msiFault carries the fault cause of a failed MSI redirection step so
// the top of the write path can fold every error into one fault report.
type msiFault struct {
	cause uint32
	err   error
}

func (f *msiFault) Error() string {
	if f.err != nil {
		return fmt.Sprintf("riommu: msi fault cause %d: %v", f.cause, f.err)
	}
	return fmt.Sprintf("riommu: msi fault cause %d", f.cause)
}

func msiFaultf(cause uint32, err error) *msiFault {
	return &msiFault{cause: cause, err: err}
}

// msiWrite redirects one MSI write that targeted the trap space. The
// MSI page table selects between BASIC forwarding and a memory-resident
// interrupt file update. Any failure reports a UADDR_WR fault with the
// step's cause and surfaces the error to the writer.
func (s *IOMMU) msiWrite(ctx *Ctx, gpa uint64, data uint64, size int) error {
	err := s.msiWriteSteps(ctx, gpa, data, size)
	if err == nil {
		return nil
	}

	cause := uint32(CauseMSILoadFault)
	if f, ok := err.(*msiFault); ok {
		cause = f.cause
	}
	s.reportFault(ctx, TTypeUAddrWr, cause, ctx.ProcessID != 0, 0, 0)
	return err
}

func (s *IOMMU) msiWriteSteps(ctx *Ctx, gpa uint64, data uint64, size int) error {
	if !msiCheck(ctx, gpa) {
		return msiFaultf(CauseMSILoadFault, nil)
	}

	// Interrupt file number, gathered from the page number bits the
	// address mask selects.
	intn := pext(ppnDown(gpa), ctx.MSIAddrMask)
	if intn >= 256 {
		return msiFaultf(CauseMSILoadFault, nil)
	}

	// Fetch the 16-byte MSI PTE.
	addr := ppnPhys(getField(ctx.MSIPtp, DCMSIPtpPPN)) | intn*16
	var pteRaw [16]byte
	if err := s.target.Read(addr, pteRaw[:]); err != nil {
		if membus.IsDecode(err) {
			return msiFaultf(CauseMSIPTCorrupted, err)
		}
		return msiFaultf(CauseMSILoadFault, err)
	}
	pte0 := binary.LittleEndian.Uint64(pteRaw[:8])
	pte1 := binary.LittleEndian.Uint64(pteRaw[8:])

	// A set custom bit makes further PTE interpretation implementation
	// defined; treat it like an invalid entry.
	if pte0&MSIPteValid == 0 || pte0&MSIPteC != 0 {
		return msiFaultf(CauseMSIInvalid, nil)
	}

	switch getField(pte0, MSIPteM) {
	case MSIPteMBasic:
		// MSI pass-through: forward the write into the target file page.
		addr = ppnPhys(getField(pte0, MSIPtePPN)) | (gpa & (PageSize - 1))
		buf := make([]byte, size)
		putLE(buf, data)
		if err := s.target.Write(addr, buf); err != nil {
			return msiFaultf(CauseMSIWrFault, err)
		}
		s.log.Debug("riommu: msi forwarded", "devid", ctx.DevID, "gpa", gpa, "addr", addr)
		return nil

	case MSIPteMMRIF:
		// MRIF mode, continue below.

	default:
		return msiFaultf(CauseMSIMisconfig, nil)
	}

	// Interrupt identities above the IMSIC interrupt file limit (2047)
	// and unaligned destinations are misconfigurations.
	if data > 2047 || gpa&3 != 0 {
		return msiFaultf(CauseMSIMisconfig, nil)
	}

	// MRIF pending bit update, non-atomic read-modify-write.
	addr = getField(pte0, MSIPteMRIFAddr)<<9 | (data&0x7c0)>>3
	bit := uint64(1) << (data & 0x3f)

	pending, err := s.readLE64(addr)
	if err != nil {
		return msiFaultf(CauseMSILoadFault, err)
	}
	var dw [8]byte
	binary.LittleEndian.PutUint64(dw[:], pending|bit)
	if err := s.target.Write(addr, dw[:]); err != nil {
		return msiFaultf(CauseMSIWrFault, err)
	}

	// Enable bits live in the adjacent doubleword.
	enable, err := s.readLE64(addr + 8)
	if err != nil {
		return msiFaultf(CauseMSILoadFault, err)
	}
	if enable&bit == 0 {
		// Notification disabled, MRIF update complete.
		return nil
	}

	// Notice message: the 11-bit interrupt identity written to the
	// notification target page.
	n190 := uint32(getField(pte1, MSIMRIFNID) | getField(pte1, MSIMRIFNIDMSB)<<10)
	var nb [4]byte
	binary.LittleEndian.PutUint32(nb[:], n190)
	if err := s.target.Write(ppnPhys(getField(pte1, MSIMRIFNPPN)), nb[:]); err != nil {
		return msiFaultf(CauseMSIWrFault, err)
	}

	s.log.Debug("riommu: mrif notice", "devid", ctx.DevID, "gpa", gpa, "nid", n190)
	return nil
}
