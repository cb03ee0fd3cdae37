package cache

// Policy is the size-based admission rule. MinSize -1 never admits, MinSize
// 0 always admits, and otherwise a body is admitted when
// MinSize < size < MaxSize.
type Policy struct {
	MinSize int64
	MaxSize int64
}

// Allows reports whether a body of size bytes may be cached.
func (p Policy) Allows(size int64) bool {
	switch p.MinSize {
	case -1:
		return false
	case 0:
		return true
	default:
		return p.MinSize < size && size < p.MaxSize
	}
}
