package paging

import "fmt"

// Read returns n bytes of the space starting at vAddr, faulting pages in as
// needed. It behaves like a user load: the accessed bit of every touched page
// is set.
func (s *Space) Read(vAddr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: read of %d bytes", ErrInvalidAccess, n)
	}

	buf := make([]byte, n)

	err := s.access(vAddr, buf, false)
	if err != nil {
		return nil, err
	}

	return buf, nil
}

// Write stores data in the space starting at vAddr, faulting pages in as
// needed. It behaves like a user store: the accessed and dirty bits of every
// touched page are set.
func (s *Space) Write(vAddr uint64, data []byte) error {
	return s.access(vAddr, data, true)
}

func (s *Space) access(vAddr uint64, buf []byte, write bool) error {
	p := s.pager

	s.mu.Lock()
	defer s.mu.Unlock()

	for done := 0; done < len(buf); {
		addr := vAddr + uint64(done)
		offset := addr & (p.pageSize - 1)
		end := min(len(buf), done+int(p.pageSize-offset))
		chunk := buf[done:end]

		copyPage := func(e *PageEntry) error {
			page := p.mem.Page(e.frame.pAddr)

			p.pt.SetAccessed(s.pid, e.vAddr, true)
			if write {
				p.pt.SetDirty(s.pid, e.vAddr, true)
				copy(page[offset:], chunk)
			} else {
				copy(chunk, page[offset:])
			}

			return nil
		}

		fault := Fault{Addr: addr, StackPointer: s.sp.Load(), Write: write}

		err := p.faultLocked(s, fault, copyPage)
		if err != nil {
			return err
		}

		done = end
	}

	return nil
}
