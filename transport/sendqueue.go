package transport

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// FailureReporter is notified when a queued send is abandoned — either
// the connection failed mid-write, or it was torn down before the send
// ever reached the wire.
type FailureReporter func(transactionID string, reason error)

type sendItem struct {
	transactionID string
	data          []byte
	pos           int
}

// SendQueue orders outbound writes for a single connection and guarantees
// every item pushed onto it is either fully written or explicitly failed,
// even across connection teardown. One SendQueue belongs to exactly one
// connection.
type SendQueue struct {
	mu       sync.Mutex
	items    []*sendItem
	reporter FailureReporter
	log      zerolog.Logger
}

// NewSendQueue builds a queue that reports abandoned sends to reporter.
func NewSendQueue(reporter FailureReporter, log zerolog.Logger) *SendQueue {
	return &SendQueue{reporter: reporter, log: log}
}

// Push appends a prepared send onto the back of the queue.
func (q *SendQueue) Push(transactionID string, data []byte) {
	q.mu.Lock()
	q.items = append(q.items, &sendItem{transactionID: transactionID, data: data})
	q.mu.Unlock()
}

// Drain writes queued items in order via write, resuming each item from
// its own send cursor after a partial write from a previous call. It
// returns on the first write error, leaving the remainder of the queue —
// including the item that failed to fully write — intact for a later
// Drain or Fail call.
func (q *SendQueue) Drain(write func([]byte) (int, error)) error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return nil
		}
		item := q.items[0]
		q.mu.Unlock()

		for item.pos < len(item.data) {
			n, err := write(item.data[item.pos:])
			item.pos += n
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("sendqueue: wrote 0 bytes for transaction %q", item.transactionID)
			}
		}

		q.mu.Lock()
		q.items = q.items[1:]
		q.mu.Unlock()
	}
}

// Fail drains every outstanding send, reporting reason against each one's
// transaction, and leaves the queue empty. Connection teardown calls this
// so no send is ever silently lost.
func (q *SendQueue) Fail(reason error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, item := range items {
		q.log.Debug().Str("transaction", item.transactionID).Err(reason).Msg("failing outstanding send on teardown")
		if q.reporter != nil {
			q.reporter(item.transactionID, reason)
		}
	}
}

// Len reports how many sends are currently queued, used by tests and by
// congestion heuristics that want to know how backed up a connection is.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
