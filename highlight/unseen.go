package highlight

// UnseenSet holds highlight ids the owner has not acknowledged, in arrival order.
type UnseenSet struct {
	index map[string]int
	ids   []string
}

func NewUnseenSet() *UnseenSet {
	return &UnseenSet{index: make(map[string]int)}
}

// Add inserts id if absent and reports whether it was new.
func (u *UnseenSet) Add(id string) bool {
	if _, ok := u.index[id]; ok || id == "" {
		return false
	}
	u.index[id] = len(u.ids)
	u.ids = append(u.ids, id)
	return true
}

// Ack removes one id and reports whether it was present.
func (u *UnseenSet) Ack(id string) bool {
	i, ok := u.index[id]
	if !ok {
		return false
	}
	u.ids = append(u.ids[:i], u.ids[i+1:]...)
	delete(u.index, id)
	for j := i; j < len(u.ids); j++ {
		u.index[u.ids[j]] = j
	}
	return true
}

// Clear removes every id and returns how many were removed.
func (u *UnseenSet) Clear() int {
	n := len(u.ids)
	u.ids = nil
	u.index = make(map[string]int)
	return n
}

func (u *UnseenSet) Contains(id string) bool {
	_, ok := u.index[id]
	return ok
}

func (u *UnseenSet) Len() int { return len(u.ids) }

// IDs returns a copy of the unseen ids, oldest first. It is never nil.
func (u *UnseenSet) IDs() []string {
	return append(make([]string, 0, len(u.ids)), u.ids...)
}
