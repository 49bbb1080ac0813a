package scheduler

// Ticket is a queued sample. Index is its position in the submitted batch.
type Ticket struct {
	Index    int
	SampleID int
}

// Assignment pairs an admitted sample with the resource it runs on.
type Assignment struct {
	Ticket
	Resource int
}

// Scheduler admits queued samples onto idle resources, first in first out.
type Scheduler struct {
	pool  *Pool
	queue *Queue[Ticket]
}

// New returns a scheduler in front of pool.
func New(pool *Pool) *Scheduler {
	return &Scheduler{pool: pool, queue: NewQueue[Ticket]()}
}

// Pool returns the underlying pool.
func (s *Scheduler) Pool() *Pool { return s.pool }

// Enqueue appends t. Callers enqueue a batch in submission order.
func (s *Scheduler) Enqueue(t Ticket) {
	s.queue.Push(t)
}

// Next admits the oldest queued sample if a resource is idle.
func (s *Scheduler) Next() (Assignment, bool) {
	t, ok := s.queue.Peek()
	if !ok {
		return Assignment{}, false
	}
	idx, ok := s.pool.Acquire(t.SampleID)
	if !ok {
		return Assignment{}, false
	}
	s.queue.Pop()
	return Assignment{Ticket: t, Resource: idx}, true
}

// Drain removes and returns every queued ticket.
func (s *Scheduler) Drain() []Ticket {
	out := make([]Ticket, 0, s.queue.Len())
	for {
		t, ok := s.queue.Pop()
		if !ok {
			return out
		}
		out = append(out, t)
	}
}

// Queued returns the number of samples waiting for admission.
func (s *Scheduler) Queued() int {
	return s.queue.Len()
}

// Starved reports whether samples are queued but every resource is retired,
// so they can never be admitted.
func (s *Scheduler) Starved() bool {
	return s.queue.Len() > 0 && s.pool.Alive() == 0
}
