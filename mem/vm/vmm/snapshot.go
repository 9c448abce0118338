package vmm

import (
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/paging"
	"github.com/sarchlab/vmcore/tracing"
)

// MappingInfo describes an active file mapping.
type MappingInfo struct {
	ID     int    `json:"id"`
	File   string `json:"file"`
	Base   uint64 `json:"base"`
	End    uint64 `json:"end"`
	Length uint64 `json:"length"`
}

// SpaceInfo describes an address space.
type SpaceInfo struct {
	PID          vm.PID             `json:"pid"`
	StackPointer uint64             `json:"stack_pointer"`
	Pages        int                `json:"pages"`
	Resident     int                `json:"resident"`
	Swapped      int                `json:"swapped"`
	Mappings     []MappingInfo      `json:"mappings"`
	Counters     tracing.Counters   `json:"counters"`
	Entries      []paging.EntryInfo `json:"entries,omitempty"`
}

// Snapshot is the state of the system at one point in time.
type Snapshot struct {
	Stats  paging.Stats       `json:"stats"`
	Frames []paging.FrameInfo `json:"frames"`
	Spaces []SpaceInfo        `json:"spaces"`
}

// Snapshot captures the state of the system. The parts are read one after
// another, so a snapshot taken while processes run may be slightly
// inconsistent.
func (s *System) Snapshot() Snapshot {
	snapshot := Snapshot{
		Stats:  s.pager.Stats(),
		Frames: s.pager.FrameTable().Frames(),
	}

	for _, pid := range s.pager.Spaces() {
		info, err := s.SpaceInfo(pid, false)
		if err != nil {
			continue
		}

		snapshot.Spaces = append(snapshot.Spaces, info)
	}

	return snapshot
}

// SpaceInfo describes the address space of one process. The entries of the
// supplemental page table are included if withEntries is set.
func (s *System) SpaceInfo(pid vm.PID, withEntries bool) (SpaceInfo, error) {
	space, err := s.Space(pid)
	if err != nil {
		return SpaceInfo{}, err
	}

	entries := space.Entries()
	info := SpaceInfo{
		PID:          pid,
		StackPointer: space.StackPointer(),
		Pages:        len(entries),
		Mappings:     []MappingInfo{},
		Counters:     s.counts.Counters(pid),
	}

	for _, e := range entries {
		switch {
		case e.Loaded:
			info.Resident++
		case e.Kind == paging.KindSwap:
			info.Swapped++
		}
	}

	if withEntries {
		info.Entries = entries
	}

	for _, m := range s.mmaps.Mappings(space) {
		info.Mappings = append(info.Mappings, MappingInfo{
			ID:     int(m.ID),
			File:   m.File.Name(),
			Base:   m.Base,
			End:    m.End(),
			Length: m.Length,
		})
	}

	return info, nil
}
