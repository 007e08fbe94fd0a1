package riommu

import "github.com/tjeznach/riommu/membus"

// Space is the I/O virtual address space presented to one DMA-capable
// endpoint, identified by its 16-bit requester id (bus number joined
// with the PCI devfn). Endpoints hold the handle for the lifetime of
// the IOMMU.
type Space struct {
	iommu *IOMMU
	devid uint32

	notifier bool
}

// SpaceFor finds or creates the address space for an endpoint devfn.
// The IOMMU's configured bus number forms the upper requester id bits.
func (s *IOMMU) SpaceFor(devfn uint8) *Space {
	devid := uint32(s.bus)<<8 | uint32(devfn)

	s.coreLock.Lock()
	defer s.coreLock.Unlock()

	for _, as := range s.spaces {
		if as.devid == devid {
			return as
		}
	}

	as := &Space{iommu: s, devid: devid}
	s.spaces = append(s.spaces, as)
	s.log.Debug("riommu: new device space", "devid", devid)
	return as
}

// DevID returns the requester identifier the space serves.
func (as *Space) DevID() uint32 { return as.devid }

// Translate resolves one DMA access for the endpoint. The returned
// entry is always populated; on error its permissions are PermNone and
// the error carries the fault cause that was (possibly) reported to the
// fault queue.
func (as *Space) Translate(processID uint32, iova uint64, perm Perm) (Entry, error) {
	s := as.iommu
	entry := Entry{
		IOVA:     iova,
		Target:   s.target,
		AddrMask: ^uint64(0),
		Perm:     perm,
	}

	ctx, cause := s.context(as.devid, processID)
	if ctx == nil {
		entry.AddrMask = 0
		entry.Perm = PermNone
		return entry, &Fault{Cause: uint32(cause)}
	}

	if fault := s.translate(ctx, &entry); fault != 0 {
		entry.AddrMask = 0
		entry.Perm = PermNone
		return entry, &Fault{Cause: uint32(fault)}
	}

	return entry, nil
}

// NotifierFlagChanged records whether the endpoint has mapping-change
// notifiers attached to this space.
func (as *Space) NotifierFlagChanged(old, new bool) {
	if !old && new {
		as.notifier = true
	} else if old && !new {
		as.notifier = false
	}
}

// NotifierEnabled reports whether mapping-change notifiers are active.
func (as *Space) NotifierEnabled() bool { return as.notifier }

// TrapSpace is the internal address space backing redirected MSI
// traffic. Translations matching the MSI address pattern resolve to it;
// the deferred write then re-enters the IOMMU through WriteFrom, which
// needs the originating requester id to look up the device context.
type TrapSpace struct {
	iommu *IOMMU
}

// WriteFrom performs a redirected MSI store on behalf of the endpoint
// with the given devfn. size must be 4 or 8.
func (t *TrapSpace) WriteFrom(devfn uint8, gpa uint64, data uint64, size int) error {
	s := t.iommu
	devid := uint32(s.bus)<<8 | uint32(devfn)

	ctx, cause := s.context(devid, 0)
	if ctx == nil {
		return &Fault{Cause: uint32(cause)}
	}
	return s.msiWrite(ctx, gpa, data, size)
}

// Read implements membus.AddressSpace. The trap region is write-only;
// reads always fail.
func (t *TrapSpace) Read(addr uint64, p []byte) error {
	return &Fault{Cause: CauseMSILoadFault}
}

// Write implements membus.AddressSpace. Plain writes carry no requester
// attribution and are rejected; MSI plumbing must use WriteFrom.
func (t *TrapSpace) Write(addr uint64, p []byte) error {
	return &Fault{Cause: CauseMSIWrFault}
}

var _ membus.AddressSpace = (*TrapSpace)(nil)
