package hal

import "sync"

const (
	defaultCreditLimit = 1
	defaultDrainBatch  = 64
)

// CreditWindow tracks how many commands the controller will accept
type CreditWindow struct {
	Limit        int
	Available    int
	PendingRetry bool
}

// TxQueue holds outbound packets until the worker writes them. Packets
// that consume a command credit are held back while no credit is
// available; all other packets pass straight through.
type TxQueue struct {
	mutex   sync.Mutex
	items   []*Packet
	credits CreditWindow
	batch   int
	hold    bool
}

// NewTxQueue creates a queue with the given credit limit and drain batch size
func NewTxQueue(creditLimit, batch int) *TxQueue {
	if creditLimit < 1 {
		creditLimit = defaultCreditLimit
	}
	if batch < 1 {
		batch = defaultDrainBatch
	}
	return &TxQueue{
		credits: CreditWindow{Limit: creditLimit, Available: creditLimit},
		batch:   batch,
	}
}

// Enqueue appends a packet. Ownership passes to the queue.
func (q *TxQueue) Enqueue(p *Packet) {
	q.mutex.Lock()
	q.items = append(q.items, p)
	q.mutex.Unlock()
}

// DrainReady removes and returns the packets that may be written now, in
// queue order. At most one credit-relevant packet is released per call and
// only while a credit is available; the others stay queued and a retry is
// flagged for the next credit event.
func (q *TxQueue) DrainReady() []*Packet {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	var out []*Packet
	kept := q.items[:0]
	commandTaken := false
	for i, p := range q.items {
		if len(out) >= q.batch {
			kept = append(kept, q.items[i:]...)
			break
		}
		if !p.credit {
			out = append(out, p)
			continue
		}
		eligible := !q.hold || p.internal
		if eligible && !commandTaken && q.credits.Available > 0 {
			q.credits.Available--
			commandTaken = true
			out = append(out, p)
			continue
		}
		if eligible {
			q.credits.PendingRetry = true
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return out
}

// Ready reports whether a DrainReady call would return at least one packet
func (q *TxQueue) Ready() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for _, p := range q.items {
		if !p.credit {
			return true
		}
		if (!q.hold || p.internal) && q.credits.Available > 0 {
			return true
		}
	}
	return false
}

// OnCreditEvent returns n credits to the window, capped at its limit. It
// reports whether a drain pass was waiting for credit.
func (q *TxQueue) OnCreditEvent(n int) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if n < 0 {
		n = 0
	}
	q.credits.Available += n
	if q.credits.Available > q.credits.Limit {
		q.credits.Available = q.credits.Limit
	}
	retry := q.credits.PendingRetry
	q.credits.PendingRetry = false
	return retry
}

// SetHold restricts credit-relevant packets to internally generated ones
func (q *TxQueue) SetHold(hold bool) {
	q.mutex.Lock()
	q.hold = hold
	q.mutex.Unlock()
}

// ResetCredits restores the full window
func (q *TxQueue) ResetCredits() {
	q.mutex.Lock()
	q.credits.Available = q.credits.Limit
	q.credits.PendingRetry = false
	q.mutex.Unlock()
}

// Credits returns a snapshot of the window
func (q *TxQueue) Credits() CreditWindow {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.credits
}

// Outstanding returns the number of commands sent but not yet answered
func (q *TxQueue) Outstanding() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.credits.Limit - q.credits.Available
}

// Len returns the number of queued packets
func (q *TxQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

// FlushInternal removes the queued internally generated packets and
// keeps the rest in order
func (q *TxQueue) FlushInternal() []*Packet {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	var out []*Packet
	kept := q.items[:0]
	for _, p := range q.items {
		if p.internal {
			out = append(out, p)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return out
}

// Flush removes every queued packet
func (q *TxQueue) Flush() []*Packet {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	out := q.items
	q.items = nil
	return out
}
