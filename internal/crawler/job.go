package crawler

// Job wraps one Request for scheduling. The worker that took a job from a
// queue is its only writer until it is re-enqueued or finished.
type Job struct {
	id      string
	request Request
	handler Handler
	attrs   map[AttributeKind]Attribute
	tries   int
}

// NewJob builds a job. A later attribute replaces an earlier one of the same kind.
func NewJob(id string, req Request, handler Handler, attrs ...Attribute) *Job {
	j := &Job{id: id, request: req, handler: handler}
	for _, attr := range attrs {
		if attr == nil {
			continue
		}
		if j.attrs == nil {
			j.attrs = make(map[AttributeKind]Attribute, len(attrs))
		}
		j.attrs[attr.Kind()] = attr
	}
	return j
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// Request returns the request as it will be sent on the next attempt.
func (j *Job) Request() Request { return j.request }

// Handler returns the explicit handler, or nil when the router should decide.
func (j *Job) Handler() Handler { return j.handler }

// Tries returns how many failed attempts have been retried so far.
func (j *Job) Tries() int { return j.tries }

// Attribute looks up the attribute of the given kind.
func (j *Job) Attribute(kind AttributeKind) (Attribute, bool) {
	attr, ok := j.attrs[kind]
	return attr, ok
}

// Attributes returns every attribute attached to the job.
func (j *Job) Attributes() []Attribute {
	out := make([]Attribute, 0, len(j.attrs))
	for _, attr := range j.attrs {
		out = append(out, attr)
	}
	return out
}

// Priority returns the job's priority, or DefaultPriority when unset.
func (j *Job) Priority() Priority {
	if attr, ok := AttributeOf[PriorityAttribute](j); ok {
		return attr.Priority
	}
	return DefaultPriority
}

// Depth returns the job's crawl depth, or 0 when unset.
func (j *Job) Depth() int {
	if attr, ok := AttributeOf[DepthAttribute](j); ok {
		return attr.Depth
	}
	return 0
}

// PrepareRetry readies the job for another attempt: the request passes
// through rewrite (nil keeps it), the try count grows and any priority is
// downgraded toward its floor.
func (j *Job) PrepareRetry(rewrite func(Request) Request) {
	if rewrite != nil {
		j.request = rewrite(j.request)
	}
	j.tries++
	if attr, ok := AttributeOf[PriorityAttribute](j); ok {
		j.attrs[KindPriority] = attr.downgrade()
	}
}

// AttributeOf returns the job's attribute of type T, which must be a
// concrete attribute type.
func AttributeOf[T Attribute](j *Job) (T, bool) {
	var zero T
	if j == nil {
		return zero, false
	}
	attr, ok := j.attrs[zero.Kind()]
	if !ok {
		return zero, false
	}
	typed, ok := attr.(T)
	return typed, ok
}
