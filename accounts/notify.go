package accounts

// ChangeKind identifies what happened to an account.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Removed
	ActiveChanged
	LabelChanged
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case ActiveChanged:
		return "active-changed"
	case LabelChanged:
		return "label-changed"
	default:
		return "unknown"
	}
}

// Change is delivered to subscribers after the catalog is updated.
// For ActiveChanged, an empty ID means the selection was cleared.
type Change struct {
	Kind ChangeKind
	ID   string
}

// Subscribe registers fn for change notifications. Notifications are delivered
// synchronously, in order, on the goroutine that made the change, after the
// store lock is released. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) emit(c Change) {
	s.subsMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
