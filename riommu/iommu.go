// Package riommu models the core of a RISC-V IOMMU: the MMIO register
// file, device/process directory walks, MSI/MRIF interrupt redirection,
// and the command, fault and page-request queues shared with driver
// software. Endpoints obtain a per-device Space and call Translate on
// the DMA path; the host maps the device's MMIO window and wires the
// Notify callback to its interrupt fabric.
package riommu

import (
	"log/slog"
	"sync"

	"github.com/tjeznach/riommu/membus"
)

// Notify delivers an interrupt message to the host with the vector
// programmed in IVEC for the originating source.
type Notify func(vector uint32)

// Config carries the compile-time properties of an IOMMU instance.
type Config struct {
	// Version reported in CAP; zero selects the implemented default.
	Version uint32

	// EnableMSI selects the extended (64-byte) device context format
	// and advertises MSI_FLAT/MSI_MRIF in CAP.
	EnableMSI bool

	// StartOff selects DDTP mode OFF out of reset instead of BARE.
	StartOff bool

	// Bus is the PCI bus number prefixed onto endpoint devfn values
	// when forming requester identifiers.
	Bus uint8

	// Target is the system memory address space used for directory
	// walks, queue records and redirected MSI traffic.
	Target membus.AddressSpace

	// Notify is invoked on interrupt-pending edges unless FCTL.WSI is
	// set. May be nil.
	Notify Notify

	Logger *slog.Logger
}

// IOMMU is the translation device state.
type IOMMU struct {
	cap       uint64
	enableMSI bool
	bus       uint8
	target    membus.AddressSpace
	trap      *TrapSpace
	notify    Notify
	log       *slog.Logger

	regs *regFile

	// coreLock serializes queue engine actions, DDTP updates and the
	// per-device space list. Always acquired after the register write
	// itself completed and released its lock.
	coreLock sync.Mutex

	ddtp uint64

	cqAddr uint64
	cqMask uint32
	fqAddr uint64
	fqMask uint32
	pqAddr uint64
	pqMask uint32

	spaces []*Space

	// ctxLock guards the cache map reference and entry invalidation.
	// Never held across a directory walk.
	ctxLock  sync.Mutex
	ctxCache map[ctxKey]*Ctx
}

// New creates an IOMMU and brings it to its out-of-reset state.
func New(cfg Config) *IOMMU {
	s := &IOMMU{
		enableMSI: cfg.EnableMSI,
		bus:       cfg.Bus,
		target:    cfg.Target,
		notify:    cfg.Notify,
		log:       cfg.Logger,
		regs:      newRegFile(RegMSIConfig),
		ctxCache:  make(map[ctxKey]*Ctx),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.trap = &TrapSpace{iommu: s}

	version := uint64(cfg.Version)
	if version == 0 {
		version = SpecDotVer
	}

	// Capability snapshot, fixed for the device's lifetime.
	s.cap = version & CapVersion
	if cfg.EnableMSI {
		s.cap |= CapMSIFlat | CapMSIMRIF
	}
	s.cap = setField(s.cap, CapPAS, 55)
	// Process ID width restricted to 8 bits.
	s.cap |= CapPD8

	mode := uint64(DDTPModeBare)
	if cfg.StartOff {
		mode = DDTPModeOff
	}
	s.ddtp = setField(0, DDTPMode, mode)

	// Power-on register state. Everything starts read-only; the stores
	// below open up exactly the architected writable fields.
	s.regs.set64(RegCap, s.cap)
	s.regs.set32(RegFctl, 0)
	s.regs.setRO32(RegFctl, ^uint32(FctlBE|FctlWSI))
	s.regs.set64(RegDDTP, s.ddtp)
	s.regs.setRO64(RegDDTP, ^(DDTPPPN | DDTPMode))
	s.regs.setRO64(RegCQB, ^(QBLog2Sz | QBPPN))
	s.regs.setRO64(RegFQB, ^(QBLog2Sz | QBPPN))
	s.regs.setRO64(RegPQB, ^(QBLog2Sz | QBPPN))
	s.regs.setWC32(RegCQCSR, CQCSRMemFault|CQCSRCmdTO|CQCSRCmdIll|CQCSRFenceWIP)
	s.regs.setRO32(RegCQCSR, CQCSROn|CQCSRBusy)
	s.regs.setWC32(RegFQCSR, FQCSRMemFault|FQCSROverflow)
	s.regs.setRO32(RegFQCSR, FQCSROn|FQCSRBusy)
	s.regs.setWC32(RegPQCSR, PQCSRMemFault|PQCSROverflow)
	s.regs.setRO32(RegPQCSR, PQCSROn|PQCSRBusy)
	s.regs.setWC32(RegIPSR, ^uint32(0))
	s.regs.setRO32(RegIVec, 0)

	return s
}

// Cap returns the capability snapshot reported in the CAP register.
func (s *IOMMU) Cap() uint64 { return s.cap }

// Target returns the downstream system memory address space.
func (s *IOMMU) Target() membus.AddressSpace { return s.target }

// Trap returns the internal address space that intercepts redirected
// MSI writes.
func (s *IOMMU) Trap() *TrapSpace { return s.trap }

// Size implements membus.Device: the register window covers the MMIO
// space up to the MSI configuration boundary.
func (s *IOMMU) Size() uint64 { return RegMSIConfig }

// ReadMMIO implements membus.Device. Reads return the raw register
// bytes at 1/2/4/8-byte widths, little-endian, strictly aligned.
func (s *IOMMU) ReadMMIO(offset uint64, p []byte) error {
	val, err := s.regs.read(offset, len(p))
	if err != nil {
		return err
	}
	putLE(p, val)
	return nil
}

// WriteMMIO implements membus.Device. The masked register update runs
// under the register lock; the matching processor, if any, then runs
// under the core lock.
func (s *IOMMU) WriteMMIO(offset uint64, p []byte) error {
	size := len(p)
	if err := s.regs.checkAccess(offset, size); err != nil {
		return err
	}
	data := getLE(p)

	var process func()
	var busyReg uint64
	var busy uint32

	switch regb := offset &^ 3; regb {
	case RegDDTP, RegDDTP + 4:
		process = s.processDDTP
		busyReg = RegDDTP
		busy = uint32(DDTPBusy)

	case RegCQT:
		process = s.processCQTail

	case RegCQCSR:
		process = s.processCQControl
		busyReg = RegCQCSR
		busy = CQCSRBusy

	case RegFQCSR:
		process = s.processFQControl
		busyReg = RegFQCSR
		busy = FQCSRBusy

	case RegPQCSR:
		process = s.processPQControl
		busyReg = RegPQCSR
		busy = PQCSRBusy

	case RegIPSR:
		// IPSR is not latched directly; the update procedure decides
		// which pending bits survive the write. Narrow writes cannot
		// name a full source word and take the plain W1C path.
		if size >= 4 {
			s.updateIPSR(data, size)
			return nil
		}
	}

	if err := s.regs.write(offset, data, size, busyReg, busy); err != nil {
		return err
	}

	if process != nil {
		s.coreLock.Lock()
		process()
		s.coreLock.Unlock()
	}
	return nil
}

// processDDTP applies a device-directory-table pointer update.
// Transitions between translation modes are restricted: {OFF, BARE} may
// go anywhere, multilevel modes may only drop back to {OFF, BARE}.
// Illegal transitions restore the previous value without error.
func (s *IOMMU) processDDTP() {
	oldDDTP := s.ddtp
	newDDTP := s.regs.get64(RegDDTP)
	newMode := getField(newDDTP, DDTPMode)
	oldMode := getField(oldDDTP, DDTPMode)
	ok := false

	if newMode == oldMode || newMode == DDTPModeOff || newMode == DDTPModeBare {
		ok = true
	} else if newMode == DDTPMode1LVL || newMode == DDTPMode2LVL || newMode == DDTPMode3LVL {
		ok = oldMode == DDTPModeOff || oldMode == DDTPModeBare
	}

	if ok {
		// Clear reserved and busy bits, report back the sanitized value.
		newDDTP = setField(newDDTP&DDTPPPN, DDTPMode, newMode)
	} else {
		newDDTP = oldDDTP
	}
	s.ddtp = newDDTP
	s.regs.set64(RegDDTP, newDDTP)
}

// updateIPSR recomputes interrupt-pending bits for a W1C write. A bit
// the driver tried to clear only stays set if its source still has an
// enabled pending condition.
func (s *IOMMU) updateIPSR(data uint64, size int) {
	val := uint32(s.regs.maskedValue(RegIPSR, data, size))

	var set, clr uint32

	if data&IPSRCip != 0 {
		cqcsr := s.regs.get32(RegCQCSR)
		if cqcsr&CQCSRIE != 0 &&
			cqcsr&(CQCSRFenceWIP|CQCSRCmdIll|CQCSRCmdTO|CQCSRMemFault) != 0 {
			set |= IPSRCip
		} else {
			clr |= IPSRCip
		}
	}

	if data&IPSRFip != 0 {
		fqcsr := s.regs.get32(RegFQCSR)
		if fqcsr&FQCSRIE != 0 && fqcsr&(FQCSROverflow|FQCSRMemFault) != 0 {
			set |= IPSRFip
		} else {
			clr |= IPSRFip
		}
	}

	if data&IPSRPip != 0 {
		pqcsr := s.regs.get32(RegPQCSR)
		if pqcsr&PQCSRIE != 0 && pqcsr&(PQCSROverflow|PQCSRMemFault) != 0 {
			set |= IPSRPip
		} else {
			clr |= IPSRPip
		}
	}

	s.regs.set32(RegIPSR, (val|set)&^clr)
}

// raise marks the interrupt source pending and, on a not-pending to
// pending edge, delivers the mapped vector through the notify callback.
// FCTL.WSI selects wire-signaled interrupts instead; the core does
// nothing for those, the host bridge polls IPSR.
func (s *IOMMU) raise(source int) {
	fctl := s.regs.get32(RegFctl)
	if fctl&FctlWSI != 0 || s.notify == nil {
		return
	}

	old := s.regs.mod32(RegIPSR, 1<<source, 0)
	ivec := s.regs.get32(RegIVec)

	if old&(1<<source) == 0 {
		s.notify((ivec >> (source * 4)) & 0xf)
	}
}

func getLE(p []byte) uint64 {
	var v uint64
	for i := len(p) - 1; i >= 0; i-- {
		v = v<<8 | uint64(p[i])
	}
	return v
}

func putLE(p []byte, v uint64) {
	for i := range p {
		p[i] = byte(v >> (8 * i))
	}
}

var _ membus.Device = (*IOMMU)(nil)
