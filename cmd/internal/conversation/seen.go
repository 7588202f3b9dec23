package conversation

// seenSet remembers the last cap message ids, oldest evicted first.
type seenSet struct {
	cap  int
	ring []string
	next int
	ids  map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &seenSet{cap: capacity, ring: make([]string, 0, capacity), ids: make(map[string]struct{}, capacity)}
}

func (s *seenSet) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Add records id and reports whether it was new.
func (s *seenSet) Add(id string) bool {
	if s.Has(id) {
		return false
	}
	if len(s.ring) < s.cap {
		s.ring = append(s.ring, id)
	} else {
		delete(s.ids, s.ring[s.next])
		s.ring[s.next] = id
		s.next = (s.next + 1) % s.cap
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *seenSet) Reset() {
	s.ring = s.ring[:0]
	s.next = 0
	clear(s.ids)
}
