package crawler

// Session is read-only data shared with every handler invocation of one
// crawl. It is built once and never mutated, so it needs no locking.
type Session struct {
	values map[string]any
}

// EmptySession carries no data.
var EmptySession = Session{}

// NewSession copies values into a new Session.
func NewSession(values map[string]any) Session {
	if len(values) == 0 {
		return EmptySession
	}
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return Session{values: copied}
}

// Get returns the raw value stored under key.
func (s Session) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Len returns the number of keys.
func (s Session) Len() int {
	return len(s.values)
}

// IsEmpty reports whether the session holds no data.
func (s Session) IsEmpty() bool {
	return len(s.values) == 0
}

// SessionValue returns the value under key when it has type T.
func SessionValue[T any](s Session, key string) (T, bool) {
	var zero T
	v, ok := s.values[key]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
