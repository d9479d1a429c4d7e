package labdaq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

type opKind int

const (
	opRead opKind = iota
	opWrite
)

// Pending is the caller's side of one asynchronous register operation. The
// submitting call returns immediately; wait on Done() or call Result().
type Pending struct {
	ID       ulid.ULID
	Register string

	kind       opKind
	writeValue float64

	done     chan struct{}
	value    float64
	err      error
	canceled atomic.Bool
}

// Done is closed when the operation has completed (or been suppressed).
func (p *Pending) Done() <-chan struct{} { return p.done }

// Cancel marks the operation for cancellation. The underlying device
// transaction is a single atomic call, so an already-issued transaction
// still completes on the hardware; Cancel only suppresses the result.
func (p *Pending) Cancel() { p.canceled.Store(true) }

// Result blocks until the operation completes and returns its value (for
// reads) and error. A canceled operation reports ErrCanceled.
func (p *Pending) Result() (float64, error) {
	<-p.done
	return p.value, p.err
}

// opQueue is an unbounded FIFO of pending operations fed and drained through
// channels, so that submission never blocks on a slow device transaction.
type opQueue struct {
	in    chan *Pending
	out   chan *Pending
	queue []*Pending
}

func newOpQueue() *opQueue {
	q := &opQueue{
		in:  make(chan *Pending),
		out: make(chan *Pending),
	}
	go q.run()
	return q
}

func (q *opQueue) run() {
	for {
		if len(q.queue) == 0 {
			op, ok := <-q.in
			if !ok {
				close(q.out)
				return
			}
			q.queue = append(q.queue, op)
			continue
		}
		select {
		case q.out <- q.queue[0]:
			q.queue = q.queue[1:]
		case op, ok := <-q.in:
			if !ok {
				// Drain whatever is queued, then close the output.
				for _, item := range q.queue {
					q.out <- item
				}
				close(q.out)
				return
			}
			q.queue = append(q.queue, op)
		}
	}
}

// AsyncUpdater has the same read/write contract as Updater, but each call
// returns a Pending immediately and the device transaction runs on a
// background goroutine. Operations against one register complete in
// submission order; operations on different registers are not ordered
// relative to each other.
type AsyncUpdater struct {
	daq *DAQ

	queueLock sync.Mutex // guards queues and closed
	queues    map[string]*opQueue
	workers   sync.WaitGroup
	closed    bool
}

func newAsyncUpdater(daq *DAQ) *AsyncUpdater {
	return &AsyncUpdater{daq: daq, queues: make(map[string]*opQueue)}
}

// ReadAsync submits an asynchronous read of one register.
func (au *AsyncUpdater) ReadAsync(name string) (*Pending, error) {
	if err := au.daq.registry.ValidateRead(name); err != nil {
		return nil, err
	}
	return au.submit(&Pending{Register: name, kind: opRead})
}

// WriteAsync submits an asynchronous write of one register. The value is
// validated against the registry before the operation is queued.
func (au *AsyncUpdater) WriteAsync(name string, value float64) (*Pending, error) {
	if err := au.daq.registry.ValidateWrite(name, value); err != nil {
		return nil, err
	}
	return au.submit(&Pending{Register: name, kind: opWrite, writeValue: value})
}

func (au *AsyncUpdater) submit(op *Pending) (*Pending, error) {
	op.ID = ulid.Make()
	op.done = make(chan struct{})

	au.queueLock.Lock()
	if au.closed {
		au.queueLock.Unlock()
		return nil, &ConnectionError{Op: "submit async " + op.Register, Err: fmt.Errorf("AsyncUpdater is closed")}
	}
	q, ok := au.queues[op.Register]
	if !ok {
		q = newOpQueue()
		au.queues[op.Register] = q
		au.workers.Add(1)
		go au.runWorker(q)
	}
	// Send while still holding the lock, so Close cannot close q.in between
	// the closed check and the send. The queue goroutine is always ready to
	// receive, so this cannot block for long.
	q.in <- op
	au.queueLock.Unlock()
	return op, nil
}

// runWorker serially executes the operations of one register's queue, which
// is what gives the per-register FIFO completion order.
func (au *AsyncUpdater) runWorker(q *opQueue) {
	defer au.workers.Done()
	for op := range q.out {
		au.execute(op)
		close(op.done)
	}
}

func (au *AsyncUpdater) execute(op *Pending) {
	if op.canceled.Load() {
		// Not yet issued, so the hardware transaction can be skipped whole.
		op.err = ErrCanceled
		return
	}
	handle, err := au.daq.checkOpen("async " + op.Register)
	if err != nil {
		op.err = err
		return
	}
	switch op.kind {
	case opRead:
		value, err := au.daq.lib.EReadName(handle, op.Register)
		if err != nil {
			op.err = &RegisterError{Register: op.Register, Reason: "async read failed", Err: err}
		} else {
			op.value = value
		}
	case opWrite:
		if err := au.daq.lib.EWriteName(handle, op.Register, op.writeValue); err != nil {
			op.err = &RegisterError{Register: op.Register, Reason: "async write failed", Err: err}
		} else {
			au.daq.recordWrite(op.Register, op.writeValue, op.ID.String())
		}
	}
	if op.canceled.Load() {
		// The transaction already went out; suppress the result only.
		op.value = 0
		op.err = ErrCanceled
	}
}

// Close stops accepting new operations, lets every queued operation finish,
// and waits for the workers to drain.
func (au *AsyncUpdater) Close() {
	au.queueLock.Lock()
	if au.closed {
		au.queueLock.Unlock()
		return
	}
	au.closed = true
	for _, q := range au.queues {
		close(q.in)
	}
	au.queueLock.Unlock()
	au.workers.Wait()
}
