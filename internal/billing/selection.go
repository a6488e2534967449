package billing

// Selection is an ordered set of line items keyed by ID. The zero value is
// ready to use.
type Selection struct {
	items []LineItem
	index map[string]int
}

// NewSelection builds a selection, dropping repeated IDs.
func NewSelection(items ...LineItem) *Selection {
	s := &Selection{}
	for _, it := range items {
		s.Add(it)
	}
	return s
}

// Add appends item unless its ID is already selected. It reports whether the
// selection changed.
func (s *Selection) Add(item LineItem) bool {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if _, ok := s.index[item.ID]; ok {
		return false
	}
	s.index[item.ID] = len(s.items)
	s.items = append(s.items, item)
	return true
}

// Remove drops the item with the given ID.
func (s *Selection) Remove(id string) bool {
	pos, ok := s.index[id]
	if !ok {
		return false
	}
	s.items = append(s.items[:pos], s.items[pos+1:]...)
	delete(s.index, id)
	for i := pos; i < len(s.items); i++ {
		s.index[s.items[i].ID] = i
	}
	return true
}

// Contains reports whether id is selected.
func (s *Selection) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Len returns the number of selected items.
func (s *Selection) Len() int { return len(s.items) }

// Items returns a copy of the selected items in insertion order.
func (s *Selection) Items() []LineItem {
	out := make([]LineItem, len(s.items))
	copy(out, s.items)
	return out
}

// IDs returns the selected IDs in insertion order.
func (s *Selection) IDs() []string {
	out := make([]string, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.ID)
	}
	return out
}
