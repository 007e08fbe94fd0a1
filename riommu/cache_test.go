package riommu

import "testing"

func TestCacheBound(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.setDDTP(t, DDTPModeBare, 0)

	// Bare mode caches a synthesized context per pair; push well past
	// the limit.
	for devid := uint32(0); devid < 3*ctxCacheLimit; devid++ {
		if ctx, cause := env.s.context(devid, 0); ctx == nil {
			t.Fatalf("devid %d: cause %d", devid, cause)
		}

		env.s.ctxLock.Lock()
		size := len(env.s.ctxCache)
		env.s.ctxLock.Unlock()
		if size > ctxCacheLimit {
			t.Fatalf("cache size %d exceeds limit", size)
		}
	}
}

func TestCacheHitSkipsWalk(t *testing.T) {
	env := newTestEnv(t, Config{EnableMSI: true})
	env.putDC(0x21, deviceContext{tc: DCTCValid})
	env.setDDTP(t, DDTPMode1LVL, ddtPage)

	as := env.s.SpaceFor(0x21)
	if _, err := as.Translate(0, 0x1000, PermRead); err != nil {
		t.Fatalf("translate: %v", err)
	}

	reads := env.mem.reads
	if _, err := as.Translate(0, 0x2000, PermRead); err != nil {
		t.Fatalf("translate: %v", err)
	}
	if env.mem.reads != reads {
		t.Errorf("cached translation walked the directory: %d reads",
			env.mem.reads-reads)
	}
}

func TestIODirInvalDDTAll(t *testing.T) {
	env := newTestEnv(t, Config{EnableMSI: true})
	env.putDC(0x21, deviceContext{tc: DCTCValid})
	env.putDC(0x22, deviceContext{tc: DCTCValid})
	env.setDDTP(t, DDTPMode1LVL, ddtPage)
	env.enableCQ(t, 2)

	a := env.s.SpaceFor(0x21)
	b := env.s.SpaceFor(0x22)
	if _, err := a.Translate(0, 0x1000, PermRead); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Translate(0, 0x1000, PermRead); err != nil {
		t.Fatal(err)
	}

	// IODIR.INVAL_DDT with DV=0 invalidates everything.
	env.pushCmd(t, 0, cmdID(OpIODir, FuncIODirDDT), 0)

	reads := env.mem.reads
	if _, err := a.Translate(0, 0x1000, PermRead); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Translate(0, 0x1000, PermRead); err != nil {
		t.Fatal(err)
	}
	if env.mem.reads == reads {
		t.Error("translations after invalidate-all did not re-walk")
	}
}

func TestIODirInvalDDTByDevID(t *testing.T) {
	env := newTestEnv(t, Config{EnableMSI: true})
	env.putDC(0x21, deviceContext{tc: DCTCValid})
	env.putDC(0x22, deviceContext{tc: DCTCValid})
	env.setDDTP(t, DDTPMode1LVL, ddtPage)
	env.enableCQ(t, 2)

	a := env.s.SpaceFor(0x21)
	b := env.s.SpaceFor(0x22)
	if _, err := a.Translate(0, 0x1000, PermRead); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Translate(0, 0x1000, PermRead); err != nil {
		t.Fatal(err)
	}

	dword0 := cmdID(OpIODir, FuncIODirDDT) | CmdIODirDV
	dword0 = setField(dword0, CmdIODirDID, 0x21)
	env.pushCmd(t, 0, dword0, 0)

	// 0x21 re-walks, 0x22 stays cached.
	reads := env.mem.reads
	if _, err := b.Translate(0, 0x1000, PermRead); err != nil {
		t.Fatal(err)
	}
	if env.mem.reads != reads {
		t.Error("untargeted device was invalidated")
	}
	if _, err := a.Translate(0, 0x1000, PermRead); err != nil {
		t.Fatal(err)
	}
	if env.mem.reads == reads {
		t.Error("targeted device was not invalidated")
	}
}

func TestIODirInvalPDT(t *testing.T) {
	env := newTestEnv(t, Config{EnableMSI: true})

	pid := uint32(5)
	env.mem.PutUint64(uint64(pdtPage)<<12+uint64(pid)*16, PCTAValid)
	env.putDC(0x21, deviceContext{
		tc:  DCTCValid | DCTCPDTV,
		fsc: uint64(pdtPage)<<10 | PDTPModePD8,
	})
	env.setDDTP(t, DDTPMode1LVL, ddtPage)
	env.enableCQ(t, 2)

	as := env.s.SpaceFor(0x21)
	if _, err := as.Translate(pid, 0x1000, PermRead); err != nil {
		t.Fatal(err)
	}

	dword0 := cmdID(OpIODir, FuncIODirPDT) | CmdIODirDV
	dword0 = setField(dword0, CmdIODirDID, 0x21)
	dword0 = setField(dword0, CmdIODirPID, uint64(pid))
	env.pushCmd(t, 0, dword0, 0)

	reads := env.mem.reads
	if _, err := as.Translate(pid, 0x1000, PermRead); err != nil {
		t.Fatal(err)
	}
	if env.mem.reads == reads {
		t.Error("targeted process context was not invalidated")
	}
}
