// Command riommu-sim runs a scenario file against the IOMMU model: it
// builds a memory image, programs the device directory and MSI tables,
// enables the queues, fires the scenario's DMA accesses and MSI writes
// from concurrent endpoint workers and dumps the fault queue at the end.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/tjeznach/riommu/membus"
	"github.com/tjeznach/riommu/riommu"
)

// Scenario is the yaml description of one simulation run.
type Scenario struct {
	MemoryMB uint64 `yaml:"memoryMB"`

	IOMMU struct {
		MSI bool  `yaml:"msi"`
		Off bool  `yaml:"off"`
		Bus uint8 `yaml:"bus"`
	} `yaml:"iommu"`

	// DDT selects the directory mode. "bare" skips table programming;
	// "1lvl" materializes a single-level DDT from Contexts below.
	DDT struct {
		Mode     string `yaml:"mode"`
		BasePage uint64 `yaml:"basePage"`
	} `yaml:"ddt"`

	Contexts []struct {
		Devfn      uint8  `yaml:"devfn"`
		TC         uint64 `yaml:"tc"`
		MSIPtPage  uint64 `yaml:"msiPtPage"`
		MSIMask    uint64 `yaml:"msiMask"`
		MSIPattern uint64 `yaml:"msiPattern"`
	} `yaml:"contexts"`

	// MSIPtes installs flat-mode MSI page table entries; basic mode
	// forwards writes into targetPage.
	MSIPtes []struct {
		Page       uint64 `yaml:"page"`
		Index      uint64 `yaml:"index"`
		TargetPage uint64 `yaml:"targetPage"`
	} `yaml:"msiPtes"`

	FaultQueue struct {
		Page   uint64 `yaml:"page"`
		Log2Sz uint64 `yaml:"log2sz"`
	} `yaml:"faultQueue"`

	Endpoints []Endpoint `yaml:"endpoints"`
}

// Endpoint is one DMA-capable device with the DMA accesses and MSI
// writes it issues.
type Endpoint struct {
	Devfn    uint8 `yaml:"devfn"`
	Accesses []struct {
		IOVA  uint64 `yaml:"iova"`
		Perm  string `yaml:"perm"`
		Data  uint64 `yaml:"data"`
		Count int    `yaml:"count"`
	} `yaml:"accesses"`
	MSIWrites []struct {
		GPA  uint64 `yaml:"gpa"`
		Data uint64 `yaml:"data"`
		Size int    `yaml:"size"`
	} `yaml:"msiWrites"`
}

func main() {
	scenarioPath := flag.String("scenario", "", "path to scenario yaml")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	if *scenarioPath == "" {
		fmt.Fprintln(os.Stderr, "usage: riommu-sim -scenario file.yaml")
		os.Exit(2)
	}

	if err := run(*scenarioPath); err != nil {
		slog.Error("scenario failed", "err", err)
		os.Exit(1)
	}
}

func run(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("parse scenario: %w", err)
	}
	if sc.MemoryMB == 0 {
		sc.MemoryMB = 16
	}

	mem := membus.NewMemory(sc.MemoryMB << 20)
	dev := riommu.New(riommu.Config{
		EnableMSI: sc.IOMMU.MSI,
		StartOff:  sc.IOMMU.Off,
		Bus:       sc.IOMMU.Bus,
		Target:    mem,
		Notify: func(vector uint32) {
			slog.Info("interrupt", "vector", vector)
		},
	})

	if err := program(dev, mem, &sc); err != nil {
		return err
	}

	// Endpoints run concurrently, the way independent devices hit the
	// translation path in a machine.
	var g errgroup.Group
	for _, ep := range sc.Endpoints {
		ep := ep
		g.Go(func() error {
			as := dev.SpaceFor(ep.Devfn)
			for _, acc := range ep.Accesses {
				count := max(acc.Count, 1)
				perm := parsePerm(acc.Perm)
				for i := 0; i < count; i++ {
					entry, err := as.Translate(0, acc.IOVA, perm)
					if err != nil {
						slog.Warn("translation fault",
							"devid", as.DevID(), "iova", acc.IOVA, "err", err)
						continue
					}
					slog.Info("translated", "devid", as.DevID(),
						"iova", entry.IOVA, "addr", entry.TranslatedAddr,
						"perm", entry.Perm.String())

					if perm&riommu.PermWrite != 0 {
						if err := fireWrite(dev, ep.Devfn, entry, acc.Data); err != nil {
							slog.Warn("write failed", "devid", as.DevID(),
								"addr", entry.TranslatedAddr, "err", err)
						}
					}
				}
			}

			for _, msi := range ep.MSIWrites {
				size := msi.Size
				if size == 0 {
					size = 4
				}
				err := dev.Trap().WriteFrom(ep.Devfn, msi.GPA, msi.Data, size)
				if err != nil {
					slog.Warn("msi write failed", "devid", as.DevID(),
						"gpa", msi.GPA, "err", err)
					continue
				}
				slog.Info("msi delivered", "devid", as.DevID(),
					"gpa", msi.GPA, "data", msi.Data)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	dumpFaults(dev, mem, &sc)
	return nil
}

// program writes the scenario's directory tables into memory and raises
// the control registers through the MMIO surface, as a driver would.
func program(dev *riommu.IOMMU, mem *membus.Memory, sc *Scenario) error {
	// Fault queue first so directory faults are captured.
	if sc.FaultQueue.Page != 0 {
		if sc.FaultQueue.Log2Sz == 0 {
			sc.FaultQueue.Log2Sz = 2
		}
		fqb := sc.FaultQueue.Page<<10 | (sc.FaultQueue.Log2Sz - 1)
		if err := writeReg(dev, riommu.RegFQB, 8, fqb); err != nil {
			return err
		}
		if err := writeReg(dev, riommu.RegFQCSR, 4, riommu.FQCSREnable); err != nil {
			return err
		}
	}

	var ddtp uint64
	switch sc.DDT.Mode {
	case "", "bare":
		ddtp = riommu.DDTPModeBare
	case "off":
		ddtp = riommu.DDTPModeOff
	case "1lvl":
		for _, dc := range sc.Contexts {
			base := sc.DDT.BasePage << 12
			off := base + uint64(dc.Devfn)*64
			var rec [64]byte
			binary.LittleEndian.PutUint64(rec[0:], dc.TC|1)
			if dc.MSIPtPage != 0 {
				binary.LittleEndian.PutUint64(rec[32:],
					uint64(riommu.MSIPtpModeFlat)<<60|dc.MSIPtPage<<10)
				binary.LittleEndian.PutUint64(rec[40:], dc.MSIMask)
				binary.LittleEndian.PutUint64(rec[48:], dc.MSIPattern)
			}
			if err := mem.Write(off, rec[:]); err != nil {
				return err
			}
		}
		ddtp = sc.DDT.BasePage<<10 | riommu.DDTPMode1LVL
	default:
		return fmt.Errorf("unknown ddt mode %q", sc.DDT.Mode)
	}

	for _, pte := range sc.MSIPtes {
		off := pte.Page<<12 + pte.Index*16
		var rec [16]byte
		binary.LittleEndian.PutUint64(rec[0:],
			riommu.MSIPteValid|uint64(riommu.MSIPteMBasic)<<1|pte.TargetPage<<10)
		if err := mem.Write(off, rec[:]); err != nil {
			return err
		}
	}

	return writeReg(dev, riommu.RegDDTP, 8, ddtp)
}

// fireWrite completes a translated DMA write. Stores redirected to the
// trap space re-enter the IOMMU with the endpoint's requester id, which
// is where the MSI/MRIF engine takes over.
func fireWrite(dev *riommu.IOMMU, devfn uint8, entry riommu.Entry, data uint64) error {
	if entry.Target == dev.Trap() {
		return dev.Trap().WriteFrom(devfn, entry.TranslatedAddr, data, 4)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(data))
	return entry.Target.Write(entry.TranslatedAddr, buf[:])
}

func writeReg(dev *riommu.IOMMU, offset uint64, size int, value uint64) error {
	buf := make([]byte, size)
	switch size {
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(buf, value)
	}
	return dev.WriteMMIO(offset, buf)
}

func readReg32(dev *riommu.IOMMU, offset uint64) uint32 {
	var buf [4]byte
	if err := dev.ReadMMIO(offset, buf[:]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func dumpFaults(dev *riommu.IOMMU, mem *membus.Memory, sc *Scenario) {
	if sc.FaultQueue.Page == 0 {
		return
	}
	tail := readReg32(dev, riommu.RegFQT)
	base := sc.FaultQueue.Page << 12
	for i := uint32(0); i < tail; i++ {
		hdr := mem.Uint64(base + uint64(i)*32)
		iotval := mem.Uint64(base + uint64(i)*32 + 8)
		slog.Info("fault record", "index", i,
			"cause", hdr&0xfff, "ttype", (hdr>>34)&0x3f,
			"devid", hdr>>40, "iotval", iotval)
	}
	if tail == 0 {
		slog.Info("fault queue empty")
	}
}

func parsePerm(s string) riommu.Perm {
	switch s {
	case "ro":
		return riommu.PermRead
	case "wo":
		return riommu.PermWrite
	case "rw":
		return riommu.PermRW
	}
	return riommu.PermNone
}
