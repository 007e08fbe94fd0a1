package riommu

// Bound on cached translation contexts. Reaching it recycles the whole
// map; translations holding the old snapshot keep reading it safely.
const ctxCacheLimit = 128

type ctxKey struct {
	devid     uint32
	processID uint32
}

// context finds or materializes the translation context for the pair.
// On a walk fault it reports the fault and returns nil.
//
// The directory walk runs outside ctxLock; only lookup, insert and the
// overflow recycle hold it. Callers may keep using the returned context
// after a concurrent recycle: the superseded map stays reachable from
// every reader that captured it, which is the snapshot lifetime the
// original implementation maintained with hash-table reference counts.
func (s *IOMMU) context(devid, processID uint32) (*Ctx, int) {
	key := ctxKey{devid: devid, processID: processID}

	s.ctxLock.Lock()
	ctx := s.ctxCache[key]
	s.ctxLock.Unlock()

	if ctx != nil && ctx.TC&DCTCValid != 0 {
		return ctx, 0
	}

	ctx = &Ctx{DevID: devid, ProcessID: processID}

	fault := s.fetchContext(ctx)
	if fault != 0 {
		s.reportFault(ctx, TTypeUAddrRd, uint32(fault), processID != 0, 0, 0)
		return nil, fault
	}

	s.ctxLock.Lock()
	if len(s.ctxCache) >= ctxCacheLimit {
		s.ctxCache = make(map[ctxKey]*Ctx)
	}
	s.ctxCache[key] = ctx
	s.ctxLock.Unlock()

	return ctx, 0
}

// invalidateCtx clears the valid bit of every cached context the
// predicate matches. Entries stay resident until eviction; a cleared valid
// bit forces the next lookup through a fresh directory walk.
func (s *IOMMU) invalidateCtx(match func(*Ctx) bool) {
	s.ctxLock.Lock()
	for _, ctx := range s.ctxCache {
		if ctx.TC&DCTCValid != 0 && match(ctx) {
			ctx.TC &^= DCTCValid
		}
	}
	s.ctxLock.Unlock()
}

func matchAll(*Ctx) bool { return true }

func matchDevID(devid uint32) func(*Ctx) bool {
	return func(ctx *Ctx) bool { return ctx.DevID == devid }
}

func matchDevProcID(devid, processID uint32) func(*Ctx) bool {
	return func(ctx *Ctx) bool {
		return ctx.DevID == devid && ctx.ProcessID == processID
	}
}
