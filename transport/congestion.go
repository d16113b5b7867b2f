package transport

import (
	"time"

	"github.com/gosip/stack/sip"
)

// RejectionBehavior expresses the connection-level emission policy a
// MessageSink is consulted for before the Frame Reader hands it a freshly
// framed message.
type RejectionBehavior int

const (
	// RejectionNormal accepts every message.
	RejectionNormal RejectionBehavior = iota
	// RejectionNewWork rejects every request except ACK, in-dialog
	// requests included (answered with a 503 and a Retry-After), while
	// responses and ACKs still go on to BasicCheck / Handle.
	RejectionNewWork
	// RejectionNonEssential rejects every request outright, ACK
	// included, and drops every response.
	RejectionNonEssential
)

// MessageSink is the downstream collaborator a connection's Frame Reader
// delivers framed messages to. It stands in for the transaction layer
// without the Frame Reader needing to know anything about transactions.
type MessageSink interface {
	// Congestion reports the current rejection behavior and how long a
	// rejected request should be told to retry after.
	Congestion() (RejectionBehavior, time.Duration)
	// BasicCheck performs cheap structural validation of a freshly framed
	// message before it is handed off. Returning false silently drops it.
	BasicCheck(msg sip.Message) bool
	// Handle takes ownership of an accepted, validated message.
	Handle(msg sip.Message)
	// Reject is called instead of Handle when congestion policy rejects a
	// request; retryAfter is the same value Congestion() just reported.
	Reject(req *sip.Request, retryAfter time.Duration)
}
