package prefs

// IDSet is an insertion-ordered set of notification ids.
//
// The zero value is an empty set. Values returns nil for an empty set so
// encoded and decoded sets compare equal.
type IDSet struct {
	order []int64
	index map[int64]struct{}
}

func NewIDSet(ids ...int64) IDSet {
	var s IDSet
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s *IDSet) Add(id int64) bool {
	if s.Contains(id) {
		return false
	}
	if s.index == nil {
		s.index = make(map[int64]struct{})
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// Remove deletes id, keeping the order of the rest.
func (s *IDSet) Remove(id int64) bool {
	if !s.Contains(id) {
		return false
	}
	delete(s.index, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s IDSet) Contains(id int64) bool {
	_, ok := s.index[id]
	return ok
}

func (s IDSet) Len() int { return len(s.order) }

// Trim evicts the oldest ids until at most max remain. max <= 0 disables trimming.
func (s *IDSet) Trim(max int) int {
	if max <= 0 || len(s.order) <= max {
		return 0
	}
	n := len(s.order) - max
	for _, id := range s.order[:n] {
		delete(s.index, id)
	}
	s.order = append([]int64(nil), s.order[n:]...)
	return n
}

func (s IDSet) Values() []int64 {
	if len(s.order) == 0 {
		return nil
	}
	return append([]int64(nil), s.order...)
}

func (s IDSet) Clone() IDSet {
	return NewIDSet(s.order...)
}

// Equal reports whether both sets hold the same ids in the same order.
func (s IDSet) Equal(o IDSet) bool {
	if len(s.order) != len(o.order) {
		return false
	}
	for i := range s.order {
		if s.order[i] != o.order[i] {
			return false
		}
	}
	return true
}
