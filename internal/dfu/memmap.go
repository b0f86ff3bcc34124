package dfu

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/particle-iot/particle-usb-sub000/pkg/usberr"
)

// Segment is a contiguous run of equally-sized sectors sharing one
// attribute set.
type Segment struct {
	Start      uint32
	End        uint32 // exclusive: Start + SectorSize * sector count
	SectorSize uint32
	Readable   bool
	Erasable   bool
	Writable   bool
}

// Contains reports whether addr falls inside the segment.
func (s *Segment) Contains(addr uint32) bool {
	return addr >= s.Start && addr < s.End
}

// MemoryMap is a parsed DfuSe memory descriptor: a named memory and its
// segments in ascending, non-overlapping address order.
type MemoryMap struct {
	Name     string
	Segments []Segment
}

// sectorRunPattern matches one "<count>*<size>[unit]<attrs>" run of a
// memory descriptor.
var sectorRunPattern = regexp.MustCompile(`^([0-9]+)\*([0-9]+)([ BKM])?([a-g])$`)

// ParseMemoryDescriptor parses a DfuSe memory descriptor string, e.g.
//
//	@Internal Flash/0x08000000/03*016Ka,01*016Kg,01*064Kg,07*128Kg
//
// The attribute letter encodes a 3-bit mask: bit0 readable, bit1 erasable,
// bit2 writable.
func ParseMemoryDescriptor(desc string) (*MemoryMap, error) {
	if !strings.HasPrefix(desc, "@") {
		return nil, usberr.New(usberr.CodeProtocol, "memory descriptor does not start with '@'")
	}
	parts := strings.Split(desc[1:], "/")
	if len(parts) < 3 || len(parts)%2 == 0 {
		return nil, usberr.New(usberr.CodeProtocol, "malformed memory descriptor")
	}
	mem := &MemoryMap{Name: strings.TrimSpace(parts[0])}

	for i := 1; i < len(parts); i += 2 {
		startStr := strings.TrimSpace(parts[i])
		startStr = strings.TrimPrefix(startStr, "0x")
		start64, err := strconv.ParseUint(startStr, 16, 32)
		if err != nil {
			return nil, usberr.Newf(usberr.CodeProtocol, "bad segment address %q", parts[i])
		}
		addr := uint32(start64)

		for _, run := range strings.Split(parts[i+1], ",") {
			m := sectorRunPattern.FindStringSubmatch(strings.TrimSpace(run))
			if m == nil {
				return nil, usberr.Newf(usberr.CodeProtocol, "bad sector run %q", run)
			}
			count, _ := strconv.ParseUint(m[1], 10, 32)
			size, _ := strconv.ParseUint(m[2], 10, 32)
			switch m[3] {
			case "K":
				size *= 1024
			case "M":
				size *= 1024 * 1024
			}
			if count == 0 || size == 0 {
				return nil, usberr.Newf(usberr.CodeProtocol, "empty sector run %q", run)
			}
			attrs := m[4][0] - 'a' + 1
			seg := Segment{
				Start:      addr,
				End:        addr + uint32(count)*uint32(size),
				SectorSize: uint32(size),
				Readable:   attrs&0x01 != 0,
				Erasable:   attrs&0x02 != 0,
				Writable:   attrs&0x04 != 0,
			}
			if n := len(mem.Segments); n > 0 && seg.Start < mem.Segments[n-1].End {
				return nil, usberr.New(usberr.CodeProtocol, "overlapping segments in memory descriptor")
			}
			mem.Segments = append(mem.Segments, seg)
			addr = seg.End
		}
	}
	return mem, nil
}

// SegmentAt returns the segment containing addr, nil when unmapped.
func (m *MemoryMap) SegmentAt(addr uint32) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Contains(addr) {
			return &m.Segments[i]
		}
	}
	return nil
}

// SectorStart rounds addr down to the base of its sector.
func (m *MemoryMap) SectorStart(addr uint32) (uint32, error) {
	seg := m.SegmentAt(addr)
	if seg == nil {
		return 0, usberr.Newf(usberr.CodeDfu, "address 0x%08x is not mapped", addr)
	}
	return addr - (addr-seg.Start)%seg.SectorSize, nil
}

// SectorEnd rounds addr up to the exclusive end of its sector.
func (m *MemoryMap) SectorEnd(addr uint32) (uint32, error) {
	start, err := m.SectorStart(addr)
	if err != nil {
		return 0, err
	}
	return start + m.SegmentAt(addr).SectorSize, nil
}
