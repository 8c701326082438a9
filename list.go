package mdns

// RecordList is an ordered set of records keyed by identity: appending a
// record that is already present does nothing.
type RecordList struct {
	records []*Record
}

// Append adds r at the end of the list. It returns false when r is already
// in the list.
func (l *RecordList) Append(r *Record) bool {
	if l.index(r) >= 0 {
		return false
	}
	l.records = append(l.records, r)
	return true
}

// Remove takes r out of the list and returns it, or reports false when r is
// not in the list.
func (l *RecordList) Remove(r *Record) (*Record, bool) {
	i := l.index(r)
	if i < 0 {
		return nil, false
	}
	copy(l.records[i:], l.records[i+1:])
	l.records[len(l.records)-1] = nil
	l.records = l.records[:len(l.records)-1]
	return r, true
}

// Contains reports whether r is in the list.
func (l *RecordList) Contains(r *Record) bool {
	return l.index(r) >= 0
}

// Len returns the number of records.
func (l *RecordList) Len() int {
	return len(l.records)
}

// Records returns the records in order. The slice must not be modified and
// is invalidated by the next mutation of the list.
func (l *RecordList) Records() []*Record {
	return l.records
}

// Reset empties the list.
func (l *RecordList) Reset() {
	l.records = nil
}

func (l *RecordList) index(r *Record) int {
	for i, x := range l.records {
		if x == r {
			return i
		}
	}
	return -1
}

// Group holds every record for one owner name.
type Group struct {
	Name    Name
	Records RecordList
}

// GroupStore maps owner names to groups, one group per distinct name.
type GroupStore struct {
	groups []*Group
}

// Find returns the group for name, or nil.
func (s *GroupStore) Find(name Name) *Group {
	for _, g := range s.groups {
		if g.Name.Equal(name) {
			return g
		}
	}
	return nil
}

// Add appends r to the group for its name, creating the group when needed.
// It returns false when r was already stored.
func (s *GroupStore) Add(r *Record) bool {
	g := s.Find(r.Name)
	if g == nil {
		g = &Group{Name: r.Name.Clone()}
		s.groups = append(s.groups, g)
	}
	return g.Records.Append(r)
}

// Delete removes r from its group and drops the group once it is empty.
// It returns false when r was not stored.
func (s *GroupStore) Delete(r *Record) bool {
	for i, g := range s.groups {
		if !g.Name.Equal(r.Name) {
			continue
		}
		if _, ok := g.Records.Remove(r); !ok {
			return false
		}
		if g.Records.Len() == 0 {
			copy(s.groups[i:], s.groups[i+1:])
			s.groups[len(s.groups)-1] = nil
			s.groups = s.groups[:len(s.groups)-1]
		}
		return true
	}
	return false
}

// Groups returns a snapshot of the groups.
func (s *GroupStore) Groups() []*Group {
	return append([]*Group(nil), s.groups...)
}

// Lookup returns the records of t stored under name; TypeANY matches every
// type.
func (s *GroupStore) Lookup(name Name, t Type) []*Record {
	g := s.Find(name)
	if g == nil {
		return nil
	}
	var out []*Record
	for _, r := range g.Records.Records() {
		if t == TypeANY || r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of stored records.
func (s *GroupStore) Len() int {
	n := 0
	for _, g := range s.groups {
		n += g.Records.Len()
	}
	return n
}

// Reset drops every group.
func (s *GroupStore) Reset() {
	s.groups = nil
}
