package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/gosip/stack/sip"
	"github.com/gosip/stack/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestHandler receives an inbound request along with the server
// transaction key MakeServerTxKey derived for it, which callers use as
// the correlation id for anything keyed per-transaction (the security
// feature's pending-request registry among them).
type RequestHandler func(transactionID string, req *sip.Request)

// ResponseHandler receives an inbound response along with the client
// transaction key MakeClientTxKey derived for it, matching the id the
// original request was sent under.
type ResponseHandler func(transactionID string, res *sip.Response)

func defaultRequestHandler(transactionID string, r *sip.Request) {
	log.Info().Str("caller", "transaction.Layer").Str("msg", r.Short()).Msg("Unhandled sip request. OnRequest handler not added")
}

func defaultResponseHandler(transactionID string, r *sip.Response) {
	log.Info().Str("caller", "transaction.Layer").Str("msg", r.Short()).Msg("Unhandled sip response. OnResponse handler not added")
}

// Layer is the boundary the Frame Reader delivers freshly framed messages
// to (it implements transport.MessageSink). It is deliberately not a full
// RFC 3261 §17 transaction state machine — no retransmission timers, no
// ACK/CANCEL matching beyond simple dedup — just the FIFO dispatch point
// the Security Feature and the application sit behind.
type Layer struct {
	tpl         *transport.Layer
	reqHandler  RequestHandler
	respHandler ResponseHandler

	requestsSeen *dedupStore
	stop         chan struct{}

	mu         sync.RWMutex
	behavior   transport.RejectionBehavior
	retryAfter time.Duration

	log zerolog.Logger
}

// dedupExpiry bounds how long a request's key is remembered for
// retransmission detection; it mirrors Timer_D, the longest a UDP
// response retransmission run is expected to last.
const dedupExpiry = Timer_D

func NewLayer(tpl *transport.Layer) *Layer {
	txl := &Layer{
		tpl:          tpl,
		requestsSeen: newDedupStore(),
		reqHandler:   defaultRequestHandler,
		respHandler:  defaultResponseHandler,
		behavior:     transport.RejectionNormal,
		stop:         make(chan struct{}),
	}
	txl.log = log.Logger.With().Str("caller", "transaction.Layer").Logger()
	go txl.expireLoop()
	return txl
}

// expireLoop periodically trims requestsSeen so a long-lived listener
// doesn't accumulate one dedup entry per request forever.
func (txl *Layer) expireLoop() {
	ticker := time.NewTicker(dedupExpiry)
	defer ticker.Stop()
	for {
		select {
		case <-txl.stop:
			return
		case now := <-ticker.C:
			txl.requestsSeen.expireBefore(now.Add(-dedupExpiry))
		}
	}
}

func (txl *Layer) OnRequest(h RequestHandler) {
	txl.reqHandler = h
}

func (txl *Layer) OnResponse(h ResponseHandler) {
	txl.respHandler = h
}

// SetCongestion changes the rejection behavior the Frame Reader is told to
// apply on its next delivery. A retryAfter of zero omits the header.
func (txl *Layer) SetCongestion(behavior transport.RejectionBehavior, retryAfter time.Duration) {
	txl.mu.Lock()
	txl.behavior = behavior
	txl.retryAfter = retryAfter
	txl.mu.Unlock()
}

// Congestion implements transport.MessageSink.
func (txl *Layer) Congestion() (transport.RejectionBehavior, time.Duration) {
	txl.mu.RLock()
	defer txl.mu.RUnlock()
	return txl.behavior, txl.retryAfter
}

// BasicCheck implements transport.MessageSink: cheap structural validation
// that doesn't need the full transaction key derivation to reject garbage.
func (txl *Layer) BasicCheck(msg sip.Message) bool {
	if msg == nil {
		return false
	}
	if _, ok := msg.CSeq(); !ok {
		return false
	}
	if _, ok := msg.Via(); !ok {
		return false
	}
	if _, ok := msg.CallID(); !ok {
		return false
	}
	return true
}

// Handle implements transport.MessageSink.
func (txl *Layer) Handle(msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Request:
		txl.handleRequest(m)
	case *sip.Response:
		txl.handleResponse(m)
	default:
		txl.log.Error().Msg("unsupported message, skip it")
	}
}

// Reject implements transport.MessageSink: answers req inline with a 503
// and the given Retry-After instead of handing it to the application.
func (txl *Layer) Reject(req *sip.Request, retryAfter time.Duration) {
	res := sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil)
	if retryAfter > 0 {
		res.AppendHeader(sip.NewHeader("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds()))))
	}
	if err := txl.WriteResponse(res); err != nil {
		txl.log.Error().Err(err).Msg("failed to write congestion rejection")
	}
}

func (txl *Layer) handleRequest(req *sip.Request) {
	key, err := MakeServerTxKey(req)
	if err != nil {
		txl.log.Error().Err(err).Msg("failed to derive transaction key")
		return
	}

	if !req.IsAck() && txl.requestsSeen.seenRecently(key) {
		txl.log.Debug().Str("key", key).Msg("dropping retransmitted request")
		return
	}

	txl.reqHandler(key, req)
}

func (txl *Layer) handleResponse(res *sip.Response) {
	key, err := MakeClientTxKey(res)
	if err != nil {
		// Out-of-dialog or malformed responses (no RFC 3261 branch) have
		// no client transaction to correlate to; deliver them under an
		// empty id rather than drop them.
		txl.log.Debug().Err(err).Msg("failed to derive client transaction key")
	}
	txl.respHandler(key, res)
}

// WriteResponse sends res back over the connection matching its Via/
// destination, the same path the transport layer uses for any outbound
// message.
func (txl *Layer) WriteResponse(res *sip.Response) error {
	return txl.tpl.WriteMsg(res)
}

// Request sends req through the transport layer, creating the connection
// needed for it per RFC 3261 §18.1.1's rules.
func (txl *Layer) Request(req *sip.Request) error {
	return txl.tpl.WriteMsg(req)
}

func (txl *Layer) Close() {
	close(txl.stop)
	txl.log.Debug().Msg("transaction layer closed")
}

func (txl *Layer) Transport() *transport.Layer {
	return txl.tpl
}
