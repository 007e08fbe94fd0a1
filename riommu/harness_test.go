package riommu

import (
	"encoding/binary"
	"testing"

	"github.com/tjeznach/riommu/membus"
)

// Test memory image layout, page numbers.
const (
	testMemSize = 1 << 20

	ddtPage   = 1 // device directory root
	pdtPage   = 2 // process directory root
	cqPage    = 3
	fqPage    = 4
	pqPage    = 5
	msiPtPage = 6
	scratch   = 7 // spare pages from here up
)

// countingMem wraps a Memory and counts read transactions, so tests can
// tell whether a translation walked the directory or hit the cache.
type countingMem struct {
	*membus.Memory
	reads int
}

func (m *countingMem) Read(addr uint64, p []byte) error {
	m.reads++
	return m.Memory.Read(addr, p)
}

type testEnv struct {
	s       *IOMMU
	mem     *countingMem
	vectors []uint32
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		mem: &countingMem{Memory: membus.NewMemory(testMemSize)},
	}
	cfg.Target = env.mem
	if cfg.Notify == nil {
		cfg.Notify = func(vector uint32) {
			env.vectors = append(env.vectors, vector)
		}
	}
	env.s = New(cfg)
	return env
}

func (env *testEnv) writeReg(t *testing.T, offset uint64, size int, value uint64) {
	t.Helper()
	buf := make([]byte, size)
	putLE(buf, value)
	if err := env.s.WriteMMIO(offset, buf); err != nil {
		t.Fatalf("write reg 0x%x: %v", offset, err)
	}
}

func (env *testEnv) readReg(t *testing.T, offset uint64, size int) uint64 {
	t.Helper()
	buf := make([]byte, size)
	if err := env.s.ReadMMIO(offset, buf); err != nil {
		t.Fatalf("read reg 0x%x: %v", offset, err)
	}
	return getLE(buf)
}

// setDDTP programs the directory pointer and fails the test if the
// IOMMU did not accept the requested mode.
func (env *testEnv) setDDTP(t *testing.T, mode uint64, ppn uint64) {
	t.Helper()
	env.writeReg(t, RegDDTP, 8, ppn<<10|mode)
	if got := getField(env.readReg(t, RegDDTP, 8), DDTPMode); got != mode {
		t.Fatalf("DDTP mode: wrote %d, device reports %d", mode, got)
	}
}

// putDC stores an extended-format device context record into a 1LVL
// directory leaf page.
func (env *testEnv) putDC(devid uint32, dc deviceContext) {
	off := uint64(ddtPage)<<12 + uint64(devid)*dcLenExt
	var rec [dcLenExt]byte
	binary.LittleEndian.PutUint64(rec[dcOffTC:], dc.tc)
	binary.LittleEndian.PutUint64(rec[dcOffTA:], dc.ta)
	binary.LittleEndian.PutUint64(rec[dcOffFSC:], dc.fsc)
	binary.LittleEndian.PutUint64(rec[dcOffMSIPtp:], dc.msiptp)
	binary.LittleEndian.PutUint64(rec[dcOffMSIMask:], dc.msiMask)
	binary.LittleEndian.PutUint64(rec[dcOffMSIPat:], dc.msiPattern)
	copy(env.mem.Data[off:], rec[:])
}

type deviceContext struct {
	tc         uint64
	ta         uint64
	fsc        uint64
	msiptp     uint64
	msiMask    uint64
	msiPattern uint64
}

// enableFQ brings up the fault queue with 2^log2sz entries.
func (env *testEnv) enableFQ(t *testing.T, log2sz uint64) {
	t.Helper()
	env.writeReg(t, RegFQB, 8, uint64(fqPage)<<10|(log2sz-1))
	env.writeReg(t, RegFQCSR, 4, FQCSREnable)
	if env.readReg(t, RegFQCSR, 4)&FQCSROn == 0 {
		t.Fatal("fault queue did not come online")
	}
}

// enableCQ brings up the command queue with 2^log2sz entries.
func (env *testEnv) enableCQ(t *testing.T, log2sz uint64) {
	t.Helper()
	env.writeReg(t, RegCQB, 8, uint64(cqPage)<<10|(log2sz-1))
	env.writeReg(t, RegCQCSR, 4, CQCSREnable|CQCSRIE)
	if env.readReg(t, RegCQCSR, 4)&CQCSROn == 0 {
		t.Fatal("command queue did not come online")
	}
}

// enablePQ brings up the page-request queue with 2^log2sz entries.
func (env *testEnv) enablePQ(t *testing.T, log2sz uint64) {
	t.Helper()
	env.writeReg(t, RegPQB, 8, uint64(pqPage)<<10|(log2sz-1))
	env.writeReg(t, RegPQCSR, 4, PQCSREnable|PQCSRIE)
	if env.readReg(t, RegPQCSR, 4)&PQCSROn == 0 {
		t.Fatal("page request queue did not come online")
	}
}

// pushCmd stores a command at the ring slot and rings the tail doorbell.
func (env *testEnv) pushCmd(t *testing.T, slot uint32, dword0, dword1 uint64) {
	t.Helper()
	off := uint64(cqPage)<<12 + uint64(slot)*cmdSize
	binary.LittleEndian.PutUint64(env.mem.Data[off:], dword0)
	binary.LittleEndian.PutUint64(env.mem.Data[off+8:], dword1)
	env.writeReg(t, RegCQT, 4, uint64(slot+1))
}

// faultRecords decodes all records currently in the fault queue.
func (env *testEnv) faultRecords(t *testing.T) []faultRecord {
	t.Helper()
	tail := env.readReg(t, RegFQT, 4)
	var recs []faultRecord
	for i := uint64(0); i < tail; i++ {
		base := uint64(fqPage)<<12 + i*fqRecordSize
		hdr := binary.LittleEndian.Uint64(env.mem.Data[base:])
		recs = append(recs, faultRecord{
			Cause:   uint32(getField(hdr, FQHdrCause)),
			TType:   uint32(getField(hdr, FQHdrTType)),
			DevID:   uint32(getField(hdr, FQHdrDID)),
			PID:     uint32(getField(hdr, FQHdrPID)),
			PV:      hdr&FQHdrPV != 0,
			IOTVal:  binary.LittleEndian.Uint64(env.mem.Data[base+8:]),
			IOTVal2: binary.LittleEndian.Uint64(env.mem.Data[base+16:]),
		})
	}
	return recs
}

type faultRecord struct {
	Cause   uint32
	TType   uint32
	DevID   uint32
	PID     uint32
	PV      bool
	IOTVal  uint64
	IOTVal2 uint64
}
