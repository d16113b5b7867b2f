package siptest

import (
	"time"

	"github.com/gosip/stack/sip"
	"github.com/gosip/stack/transport"
)

// SinkRecorder is a fake transport.MessageSink: it records every message
// handed to Handle and every request handed to Reject instead of doing
// anything with them, so frame reader / send queue tests can assert what
// the transport layer decided to deliver without standing up a real
// transaction layer.
type SinkRecorder struct {
	Behavior   transport.RejectionBehavior
	RetryAfter time.Duration

	Handled  []sip.Message
	Rejected []*sip.Request
}

func NewSinkRecorder() *SinkRecorder {
	return &SinkRecorder{}
}

func (s *SinkRecorder) Congestion() (transport.RejectionBehavior, time.Duration) {
	return s.Behavior, s.RetryAfter
}

func (s *SinkRecorder) BasicCheck(msg sip.Message) bool {
	return msg != nil
}

func (s *SinkRecorder) Handle(msg sip.Message) {
	s.Handled = append(s.Handled, msg)
}

func (s *SinkRecorder) Reject(req *sip.Request, retryAfter time.Duration) {
	s.Rejected = append(s.Rejected, req)
}

// NewServerTxRecorder builds a request/response pair for handler tests:
// req is delivered straight through, and responses the handler builds with
// sip.NewResponseFromRequest are recorded on the returned connRecorder by
// calling RecordResponse explicitly (there is no transaction state machine
// left to intercept WriteMsg calls on the application's behalf).
func NewServerTxRecorder(req *sip.Request) *ServerTxRecorder {
	return &ServerTxRecorder{
		Request: req,
		conn:    newConnRecorder(),
	}
}

type ServerTxRecorder struct {
	Request *sip.Request
	conn    *connRecorder
}

// RecordResponse appends res as if it had been written out over the
// transaction's connection.
func (r *ServerTxRecorder) RecordResponse(res *sip.Response) {
	r.conn.WriteMsg(res)
}

// Result returns every response recorded so far, in order. Can be nil if
// none was processed.
func (r *ServerTxRecorder) Result() []*sip.Response {
	if len(r.conn.msgs) == 0 {
		return nil
	}
	resps := make([]*sip.Response, len(r.conn.msgs))
	for i, m := range r.conn.msgs {
		resps[i] = m.(*sip.Response).Clone()
	}
	return resps
}

var _ transport.MessageSink = (*SinkRecorder)(nil)
