package protocol

// eventQueue is the ordered worker→owner channel. Sends never block: events
// pile up in pending while the owner is busy, so the worker can always run to
// completion and Disconnect never waits on a slow consumer. Events are
// delivered strictly in send order.
type eventQueue struct {
	in  chan Event
	out chan Event
}

func newEventQueue(size int) *eventQueue {
	if size <= 0 {
		size = 1024
	}
	q := &eventQueue{
		in:  make(chan Event, size),
		out: make(chan Event, size),
	}
	go q.pump()
	return q
}

func (q *eventQueue) send(ev Event) {
	q.in <- ev
}

// close stops intake; out closes once everything pending was delivered.
func (q *eventQueue) close() {
	close(q.in)
}

func (q *eventQueue) pump() {
	defer close(q.out)
	var pending []Event
	in := q.in
	for in != nil || len(pending) > 0 {
		var out chan Event
		var next Event
		if len(pending) > 0 {
			out = q.out
			next = pending[0]
		}
		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			pending = append(pending, ev)
		case out <- next:
			pending[0] = nil
			pending = pending[1:]
		}
	}
}
