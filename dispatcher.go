package centrifuge

import (
	"log/slog"
	"sync"
)

// replyResult is what a waiting caller receives for its command.
type replyResult struct {
	reply *reply
	err   error
}

// pendingReply is one command awaiting its reply. When done is non-nil the
// read loop waits on it after delivering the reply, so the caller finishes
// applying connect/subscribe state before any later push is processed.
type pendingReply struct {
	ch   chan replyResult
	done chan struct{}
}

// dispatcher assigns correlation ids and matches replies to callers. One
// dispatcher serves exactly one physical connection; ids start at 1 and are
// never reused within the connection's lifetime.
type dispatcher struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*pendingReply
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &dispatcher{
		logger:  logger,
		pending: make(map[uint32]*pendingReply),
	}
}

// next returns the next correlation id.
func (d *dispatcher) next() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

// register creates the pending entry for id. At most one entry per id can
// exist at any time.
func (d *dispatcher) register(id uint32, withDone bool) *pendingReply {
	p := &pendingReply{
		ch: make(chan replyResult, 1),
	}
	if withDone {
		p.done = make(chan struct{})
	}

	d.mu.Lock()
	d.pending[id] = p
	d.mu.Unlock()

	return p
}

// remove drops the pending entry for id, typically on timeout. A late reply
// for a removed id is dropped by resolve, never misdelivered.
func (d *dispatcher) remove(id uint32) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// resolve delivers a reply to its waiting caller and returns the entry, or
// nil when no caller is waiting (timed out or unknown id).
func (d *dispatcher) resolve(r *reply) *pendingReply {
	d.mu.Lock()
	p, ok := d.pending[r.ID]
	if ok {
		delete(d.pending, r.ID)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("dropping reply with no pending command", "id", r.ID)
		return nil
	}

	p.ch <- replyResult{reply: r}
	return p
}

// failAll resolves every pending command with err. Used when the transport
// closes mid-flight or the client is closed.
func (d *dispatcher) failAll(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[uint32]*pendingReply)
	d.mu.Unlock()

	for _, p := range pending {
		p.ch <- replyResult{err: err}
	}
}
