package crawler

// AttributeKind identifies an attribute type. A job holds at most one
// attribute per kind.
type AttributeKind string

// Known attribute kinds.
const (
	KindPriority AttributeKind = "priority"
	KindDepth    AttributeKind = "depth"
)

// Attribute is optional typed metadata attached to a Job.
type Attribute interface {
	Kind() AttributeKind
}

// Priority orders jobs in priority queues. Higher values are dispatched first.
type Priority int

// Priority levels.
const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
)

// DefaultPriority applies to jobs without a PriorityAttribute.
const DefaultPriority = PriorityNormal

// Downgrade returns the next lower level, stopping at PriorityLowest.
func (p Priority) Downgrade() Priority {
	if p <= PriorityLowest {
		return PriorityLowest
	}
	return p - 1
}

func (p Priority) String() string {
	switch p {
	case PriorityLowest:
		return "lowest"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityHighest:
		return "highest"
	default:
		return "custom"
	}
}

// PriorityAttribute sets a job's priority. Retries downgrade Priority one
// level at a time but never below Floor.
type PriorityAttribute struct {
	Priority Priority
	Floor    Priority
}

// WithPriority builds a PriorityAttribute whose floor is PriorityLowest.
func WithPriority(p Priority) PriorityAttribute {
	return PriorityAttribute{Priority: p, Floor: PriorityLowest}
}

// Kind implements Attribute.
func (PriorityAttribute) Kind() AttributeKind { return KindPriority }

func (a PriorityAttribute) downgrade() PriorityAttribute {
	if next := a.Priority.Downgrade(); next >= a.Floor {
		a.Priority = next
	}
	return a
}

// DepthAttribute records how many links away from a seed a request is.
type DepthAttribute struct {
	Depth int
}

// WithDepth builds a DepthAttribute.
func WithDepth(depth int) DepthAttribute {
	return DepthAttribute{Depth: depth}
}

// Kind implements Attribute.
func (DepthAttribute) Kind() AttributeKind { return KindDepth }
