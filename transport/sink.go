package transport

import (
	"time"

	"github.com/gosip/stack/sip"
)

// defaultSink adapts a plain sip.MessageHandler into a MessageSink: it
// applies no congestion policy of its own, accepts any structurally
// present message, and stamps transport/source before handing off. It is
// what each stream transport uses until a congestion-aware sink (the
// transaction layer) is wired in its place.
type defaultSink struct {
	handler sip.MessageHandler
	network string
	source  string
}

func newDefaultSink(handler sip.MessageHandler, network, source string) *defaultSink {
	return &defaultSink{handler: handler, network: network, source: source}
}

func (s *defaultSink) Congestion() (RejectionBehavior, time.Duration) {
	return RejectionNormal, 0
}

func (s *defaultSink) BasicCheck(msg sip.Message) bool {
	return msg != nil
}

func (s *defaultSink) Handle(msg sip.Message) {
	msg.SetTransport(s.network)
	msg.SetSource(s.source)
	s.handler(msg)
}

// Reject is never called under RejectionNormal; present to satisfy
// MessageSink.
func (s *defaultSink) Reject(req *sip.Request, retryAfter time.Duration) {}
