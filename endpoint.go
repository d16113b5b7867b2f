// Package stack wires the transport layer, the transaction FIFO, and the
// Security Feature into the single entry point an application embeds:
// Endpoint. It covers framing, dedup, and signing/encryption — not a full
// transaction state machine, dialog/usage manager, or registration/
// subscription logic.
package stack

import (
	"crypto/tls"
	"net"

	"github.com/gosip/stack/parser"
	"github.com/gosip/stack/security"
	"github.com/gosip/stack/sip"
	"github.com/gosip/stack/transaction"
	"github.com/gosip/stack/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestHandler and ResponseHandler are the application's view of an
// inbound message: by the time either runs, the security feature has
// already decrypted and verified whatever it had material for, and
// SecurityAttributes on the message reflect what it found.
type RequestHandler func(req *sip.Request)
type ResponseHandler func(res *sip.Response)

// Endpoint is the assembled pipeline: transport.Layer for framing and
// wire I/O, transaction.Layer for the server-side dedup FIFO sitting in
// front of it, and security.Feature intercepting both directions between
// the two.
type Endpoint struct {
	tp  *transport.Layer
	tx  *transaction.Layer
	sec *security.Feature

	reqHandler  RequestHandler
	respHandler ResponseHandler

	log zerolog.Logger
}

// Option configures an Endpoint before its layers are wired together.
type Option func(*endpointConfig)

type endpointConfig struct {
	dnsResolver *net.Resolver
	tlsConfig   *tls.Config
	prim        security.SecurityPrimitives
	store       security.CertStore
}

// WithDNSResolver overrides the resolver the transport layer uses for SRV
// lookups when routing a request (RFC 3263).
func WithDNSResolver(r *net.Resolver) Option {
	return func(c *endpointConfig) { c.dnsResolver = r }
}

// WithTLSConfig overrides the default TLS client/server config used by
// the TLS and WSS transports.
func WithTLSConfig(conf *tls.Config) Option {
	return func(c *endpointConfig) { c.tlsConfig = conf }
}

// WithSecurity enables the Security Feature. prim does the actual
// crypto; store, if non-nil, is asked to fetch certificates/keys this
// endpoint doesn't have locally. Without this option the endpoint still
// runs on noopPrimitives, which holds no certificates or keys, and has no
// store: an outgoing message with a nonzero OutgoingEncryptionLevel is
// rejected with a 415 and not sent, and an inbound encrypted body is left
// unopened. Messages that need no security pass through unmodified.
func WithSecurity(prim security.SecurityPrimitives, store security.CertStore) Option {
	return func(c *endpointConfig) {
		c.prim = prim
		c.store = store
	}
}

// NewEndpoint builds and wires an Endpoint. par is shared with the
// transport layer's frame reader and header scanner.
func NewEndpoint(par *parser.Parser, opts ...Option) *Endpoint {
	cfg := &endpointConfig{}
	for _, o := range opts {
		o(cfg)
	}

	e := &Endpoint{
		reqHandler:  func(*sip.Request) {},
		respHandler: func(*sip.Response) {},
	}
	e.log = log.Logger.With().Str("caller", "stack.Endpoint").Logger()

	e.tp = transport.NewLayer(cfg.dnsResolver, par, cfg.tlsConfig)
	e.tx = transaction.NewLayer(e.tp)

	prim := cfg.prim
	if prim == nil {
		prim = noopPrimitives{}
	}
	e.sec = security.NewFeature(prim, cfg.store, e.tx.WriteResponse, e.onOutboundDone, e.onInboundDone)

	e.tx.OnRequest(func(transactionID string, req *sip.Request) {
		e.sec.HandleInbound(transactionID, req)
	})
	e.tx.OnResponse(func(transactionID string, res *sip.Response) {
		e.sec.HandleInbound(transactionID, res)
	})

	return e
}

// OnRequest registers the handler called once an inbound request clears
// the security feature.
func (e *Endpoint) OnRequest(h RequestHandler) { e.reqHandler = h }

// OnResponse registers the handler called once an inbound response
// clears the security feature.
func (e *Endpoint) OnResponse(h ResponseHandler) { e.respHandler = h }

func (e *Endpoint) onInboundDone(transactionID string, msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Request:
		e.reqHandler(m)
	case *sip.Response:
		e.respHandler(m)
	}
}

// onOutboundDone hands a message the security feature finished with
// (signed, encrypted, both, or untouched) to the transaction/transport
// layers for actual delivery. A dropped message was already answered
// with a 415 by the feature itself, if it could be.
func (e *Endpoint) onOutboundDone(transactionID string, msg sip.Message, dropped bool) {
	if dropped || msg == nil {
		return
	}
	var err error
	switch m := msg.(type) {
	case *sip.Request:
		err = e.tx.Request(m)
	case *sip.Response:
		err = e.tx.WriteResponse(m)
	}
	if err != nil {
		e.log.Error().Err(err).Str("transaction", transactionID).Msg("failed to send outbound message")
	}
}

// SendRequest queues req for outbound security processing (per its
// SecurityAttributes.OutgoingEncryptionLevel) and then delivery.
// transactionID correlates this call with its eventual OnRequest/
// OnResponse-independent result.
func (e *Endpoint) SendRequest(transactionID string, req *sip.Request) {
	e.sec.HandleOutbound(transactionID, req)
}

// SendResponse queues res for outbound security processing and then
// delivery over the connection its Via/destination resolves to.
func (e *Endpoint) SendResponse(transactionID string, res *sip.Response) {
	e.sec.HandleOutbound(transactionID, res)
}

func (e *Endpoint) Transport() *transport.Layer     { return e.tp }
func (e *Endpoint) Transaction() *transaction.Layer { return e.tx }

func (e *Endpoint) Close() error {
	e.sec.Close()
	e.tx.Close()
	return e.tp.Close()
}

// noopPrimitives is the zero-value SecurityPrimitives an Endpoint falls
// back to when no security binding is configured. HasCert/HasPrivateKey
// both report false and the Endpoint has no store to fetch from, so any
// outgoing message that needs signing or encryption goes straight to
// reject415 instead of to Sign or Encrypt, and an inbound encrypted body
// is left unopened.
type noopPrimitives struct{}

func (noopPrimitives) HasCert(string) bool                   { return false }
func (noopPrimitives) HasPrivateKey(string) bool              { return false }
func (noopPrimitives) InstallCert(string, []byte) error       { return nil }
func (noopPrimitives) InstallPrivateKey(string, []byte) error { return nil }
func (noopPrimitives) Sign(string, sip.Contents) (*sip.MultipartSignedContents, error) {
	return nil, errNoSecurityBinding
}
func (noopPrimitives) Encrypt(string, sip.Contents) (*sip.Pkcs7Contents, error) {
	return nil, errNoSecurityBinding
}
func (noopPrimitives) Decrypt(string, *sip.Pkcs7Contents) (string, []byte, error) {
	return "", nil, errNoSecurityBinding
}
func (noopPrimitives) Verify(*sip.MultipartSignedContents) (string, sip.SignatureStatus, error) {
	return "", sip.SignatureFailed, errNoSecurityBinding
}

var errNoSecurityBinding = noopErr("stack: no SecurityPrimitives configured, use WithSecurity")

type noopErr string

func (e noopErr) Error() string { return string(e) }

var _ security.SecurityPrimitives = noopPrimitives{}
