package riommu

import "encoding/binary"

// fault offers one record to the fault queue. Production is
// best-effort: with the queue off or an error latched the record is
// dropped; a full ring latches the overflow bit instead of writing.
func (s *IOMMU) fault(hdr, iotval, iotval2 uint64) {
	ctrl := s.regs.get32(RegFQCSR)
	head := s.regs.get32(RegFQH) & s.fqMask
	tail := s.regs.get32(RegFQT) & s.fqMask
	next := (tail + 1) & s.fqMask

	s.log.Debug("riommu: fault", "devid", getField(hdr, FQHdrDID),
		"cause", getField(hdr, FQHdrCause), "iotval", iotval)

	if ctrl&FQCSROn == 0 || ctrl&(FQCSROverflow|FQCSRMemFault) != 0 {
		return
	}

	if head == next {
		s.regs.mod32(RegFQCSR, FQCSROverflow, 0)
	} else {
		var rec [fqRecordSize]byte
		binary.LittleEndian.PutUint64(rec[0:], hdr)
		binary.LittleEndian.PutUint64(rec[8:], iotval)
		binary.LittleEndian.PutUint64(rec[16:], iotval2)
		addr := s.fqAddr + uint64(tail)*fqRecordSize
		if err := s.target.Write(addr, rec[:]); err != nil {
			s.regs.mod32(RegFQCSR, FQCSRMemFault, 0)
		} else {
			s.regs.set32(RegFQT, next)
		}
	}

	if ctrl&FQCSRIE != 0 {
		s.raise(IntrFQ)
	}
}

// pageRequest offers one record to the page-request queue; same
// best-effort contract as the fault producer.
func (s *IOMMU) pageRequest(hdr, payload uint64) {
	ctrl := s.regs.get32(RegPQCSR)
	head := s.regs.get32(RegPQH) & s.pqMask
	tail := s.regs.get32(RegPQT) & s.pqMask
	next := (tail + 1) & s.pqMask

	s.log.Debug("riommu: page request", "devid", getField(hdr, PQHdrDID),
		"payload", payload)

	if ctrl&PQCSROn == 0 || ctrl&(PQCSROverflow|PQCSRMemFault) != 0 {
		return
	}

	if head == next {
		s.regs.mod32(RegPQCSR, PQCSROverflow, 0)
	} else {
		var rec [pqRecordSize]byte
		binary.LittleEndian.PutUint64(rec[0:], hdr)
		binary.LittleEndian.PutUint64(rec[8:], payload)
		addr := s.pqAddr + uint64(tail)*pqRecordSize
		if err := s.target.Write(addr, rec[:]); err != nil {
			s.regs.mod32(RegPQCSR, PQCSRMemFault, 0)
		} else {
			s.regs.set32(RegPQT, next)
		}
	}

	if ctrl&PQCSRIE != 0 {
		s.raise(IntrPQ)
	}
}

// iofence completes an IOFENCE.C command. ATS invalidations are
// processed synchronously in this model, so there is nothing to await;
// only the optional completion write remains.
func (s *IOMMU) iofence(av bool, addr uint64, data uint32) error {
	if !av {
		return nil
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], data)
	return s.target.Write(addr, b[:])
}

// processCQTail consumes command queue entries from head to the
// driver-written tail. An illegal command or a memory fault latches the
// matching status bit and stops without advancing head.
func (s *IOMMU) processCQTail() {
	ctrl := s.regs.get32(RegCQCSR)
	tail := s.regs.get32(RegCQT) & s.cqMask
	head := s.regs.get32(RegCQH) & s.cqMask

	if ctrl&CQCSROn == 0 || ctrl&(CQCSRCmdIll|CQCSRMemFault) != 0 {
		return
	}

	for tail != head {
		var cmd [cmdSize]byte
		addr := s.cqAddr + uint64(head)*cmdSize
		if err := s.target.Read(addr, cmd[:]); err != nil {
			s.regs.mod32(RegCQCSR, CQCSRMemFault, 0)
			goto fault
		}

		{
			dword0 := binary.LittleEndian.Uint64(cmd[0:])
			dword1 := binary.LittleEndian.Uint64(cmd[8:])

			s.log.Debug("riommu: cmd", "dword0", dword0, "dword1", dword1)

			switch getField(dword0, CmdOp|CmdFunc) {
			case cmdID(OpIOFence, FuncIOFenceC):
				err := s.iofence(dword0&CmdIOFenceAV != 0, dword1,
					uint32(getField(dword0, CmdIOFenceData)))
				if err != nil {
					s.regs.mod32(RegCQCSR, CQCSRMemFault, 0)
					goto fault
				}

			case cmdID(OpIOTInval, FuncIOTInvalGVMA):
				if dword0&CmdIOTInvalPSCV != 0 {
					// Illegal: IOTINVAL.GVMA with PSCV set.
					goto cmdIll
				}
				// Address translation cache not implemented.

			case cmdID(OpIOTInval, FuncIOTInvalVMA):
				// Address translation cache not implemented.

			case cmdID(OpIODir, FuncIODirDDT):
				devid := uint32(getField(dword0, CmdIODirDID))
				if dword0&CmdIODirDV == 0 {
					s.invalidateCtx(matchAll)
				} else {
					s.invalidateCtx(matchDevID(devid))
				}

			case cmdID(OpIODir, FuncIODirPDT):
				if dword0&CmdIODirDV == 0 {
					// Illegal: IODIR.INVAL_PDT requires DV.
					goto cmdIll
				}
				s.invalidateCtx(matchDevProcID(
					uint32(getField(dword0, CmdIODirDID)),
					uint32(getField(dword0, CmdIODirPID))))

			default:
				goto cmdIll
			}
		}

		// Advance head only after the command completed.
		head = (head + 1) & s.cqMask
		s.regs.set32(RegCQH, head)
	}
	return

cmdIll:
	// Do not advance past the offending command.
	s.regs.mod32(RegCQCSR, CQCSRCmdIll, 0)

fault:
	if ctrl&CQCSRIE != 0 {
		s.raise(IntrCQ)
	}
}

// processCQControl applies a command-queue control write: enabling
// latches the ring geometry and acknowledges with CQON, disabling
// revokes it. Anything else just clears the busy latch.
func (s *IOMMU) processCQControl() {
	ctrl := s.regs.get32(RegCQCSR)
	enable := ctrl&CQCSREnable != 0
	active := ctrl&CQCSROn != 0

	var set, clr uint32
	switch {
	case enable && !active:
		base := s.regs.get64(RegCQB)
		s.cqMask = uint32(2)<<getField(base, QBLog2Sz) - 1
		s.cqAddr = ppnPhys(getField(base, QBPPN))
		s.regs.setRO32(RegCQT, ^s.cqMask)
		s.regs.set32(RegCQH, 0)
		s.regs.set32(RegCQT, 0)
		set = CQCSROn
		clr = CQCSRBusy | CQCSRMemFault | CQCSRCmdIll | CQCSRCmdTO | CQCSRFenceWIP

	case !enable && active:
		s.regs.setRO32(RegCQT, ^uint32(0))
		clr = CQCSRBusy | CQCSROn

	default:
		clr = CQCSRBusy
	}

	s.regs.mod32(RegCQCSR, set, clr)
}

// processFQControl mirrors processCQControl for the fault queue, whose
// driver-owned index is the head.
func (s *IOMMU) processFQControl() {
	ctrl := s.regs.get32(RegFQCSR)
	enable := ctrl&FQCSREnable != 0
	active := ctrl&FQCSROn != 0

	var set, clr uint32
	switch {
	case enable && !active:
		base := s.regs.get64(RegFQB)
		s.fqMask = uint32(2)<<getField(base, QBLog2Sz) - 1
		s.fqAddr = ppnPhys(getField(base, QBPPN))
		s.regs.setRO32(RegFQH, ^s.fqMask)
		s.regs.set32(RegFQH, 0)
		s.regs.set32(RegFQT, 0)
		set = FQCSROn
		clr = FQCSRBusy | FQCSRMemFault | FQCSROverflow

	case !enable && active:
		s.regs.setRO32(RegFQH, ^uint32(0))
		clr = FQCSRBusy | FQCSROn

	default:
		clr = FQCSRBusy
	}

	s.regs.mod32(RegFQCSR, set, clr)
}

// processPQControl mirrors processFQControl for the page-request queue.
func (s *IOMMU) processPQControl() {
	ctrl := s.regs.get32(RegPQCSR)
	enable := ctrl&PQCSREnable != 0
	active := ctrl&PQCSROn != 0

	var set, clr uint32
	switch {
	case enable && !active:
		base := s.regs.get64(RegPQB)
		s.pqMask = uint32(2)<<getField(base, QBLog2Sz) - 1
		s.pqAddr = ppnPhys(getField(base, QBPPN))
		s.regs.setRO32(RegPQH, ^s.pqMask)
		s.regs.set32(RegPQH, 0)
		s.regs.set32(RegPQT, 0)
		set = PQCSROn
		clr = PQCSRBusy | PQCSRMemFault | PQCSROverflow

	case !enable && active:
		s.regs.setRO32(RegPQH, ^uint32(0))
		clr = PQCSRBusy | PQCSROn

	default:
		clr = PQCSRBusy
	}

	s.regs.mod32(RegPQCSR, set, clr)
}
