package security

import (
	"fmt"
	"time"

	"github.com/gosip/stack/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// OutboundHandler is called once outbound processing of a message
// finishes. dropped is true when the message must not be sent at all (its
// security material could never be obtained and a 415 was generated
// instead, if possible).
type OutboundHandler func(transactionID string, msg sip.Message, dropped bool)

// InboundHandler is called once a message's body has been decrypted and
// verified as far as available material allows. msg's SecurityAttributes
// reflect what was found.
type InboundHandler func(transactionID string, msg sip.Message)

// ResponseSender delivers a response the feature generates on its own
// initiative (a 415 when outbound material can't be obtained).
type ResponseSender func(res *sip.Response) error

// featureEvent is the closed set of things that arrive on Feature's single
// input queue: outbound messages, inbound messages, and fetch results.
// Handlers for the three are mutually exclusive, matching the one
// dialog-manager event thread this stands in for.
type featureEvent interface{ isFeatureEvent() }

type outboundEvent struct {
	transactionID string
	msg           sip.Message
}

func (outboundEvent) isFeatureEvent() {}

type inboundEvent struct {
	transactionID string
	msg           sip.Message
}

func (inboundEvent) isFeatureEvent() {}

type fetchResultEvent struct{ result FetchResult }

func (fetchResultEvent) isFeatureEvent() {}

// Feature is the Security Feature: it intercepts outgoing messages to
// sign/encrypt them and incoming messages to decrypt/verify them,
// suspending on certificate or key fetches as needed. One goroutine drains
// its event channel in arrival order, so outbound, inbound, and
// fetch-result handling never run concurrently with each other.
type Feature struct {
	prim  SecurityPrimitives
	store CertStore // nil: no remote store configured

	onOutboundDone OutboundHandler
	onInboundDone  InboundHandler
	sendResponse   ResponseSender

	registry *registry
	events   chan featureEvent

	// fetchStarted times outstanding fetches for the latency histogram.
	// Only touched from the run loop, so no lock is needed.
	fetchStarted map[MessageId]time.Time

	log zerolog.Logger
}

// NewFeature builds a Feature and starts its event loop. store may be nil,
// meaning no remote certificate store is configured — missing material
// then always takes the "no store" branch (415 outbound, no_key inbound).
func NewFeature(prim SecurityPrimitives, store CertStore, sendResponse ResponseSender, onOutboundDone OutboundHandler, onInboundDone InboundHandler) *Feature {
	f := &Feature{
		prim:           prim,
		store:          store,
		sendResponse:   sendResponse,
		onOutboundDone: onOutboundDone,
		onInboundDone:  onInboundDone,
		registry:       newRegistry(),
		events:         make(chan featureEvent, 64),
		fetchStarted:   make(map[MessageId]time.Time),
	}
	f.log = log.Logger.With().Str("caller", "security.Feature").Logger()
	go f.run()
	return f
}

// HandleOutbound queues msg for outbound security processing.
func (f *Feature) HandleOutbound(transactionID string, msg sip.Message) {
	f.events <- outboundEvent{transactionID, msg}
}

// HandleInbound queues msg for inbound decrypt/verify processing.
func (f *Feature) HandleInbound(transactionID string, msg sip.Message) {
	f.events <- inboundEvent{transactionID, msg}
}

// PostFetchResult delivers a CertStore's answer to a previously issued
// Fetch back into the feature's event queue.
func (f *Feature) PostFetchResult(result FetchResult) {
	f.events <- fetchResultEvent{result}
}

// Close stops the event loop. Any requests still suspended in the registry
// are abandoned.
func (f *Feature) Close() {
	close(f.events)
}

func (f *Feature) run() {
	for ev := range f.events {
		switch e := ev.(type) {
		case outboundEvent:
			f.handleOutbound(e.transactionID, e.msg)
		case inboundEvent:
			f.handleInbound(e.transactionID, e.msg)
		case fetchResultEvent:
			f.handleFetchResult(e.result)
		}
		pendingRequestsGauge.Set(float64(f.registry.len()))
	}
}

// --- outbound path (spec §4.4) ---

func (f *Feature) handleOutbound(transactionID string, msg sip.Message) {
	attrs := msg.GetSecurityAttributes()
	if msg.Body() == nil || attrs.OutgoingEncryptionLevel == sip.None || attrs.EncryptionPerformed {
		f.onOutboundDone(transactionID, msg, false)
		return
	}

	senderAor, recipientAor := outboundAors(msg)

	switch attrs.OutgoingEncryptionLevel {
	case sip.Sign:
		f.dispatchSign(transactionID, msg, senderAor)
	case sip.Encrypt:
		f.dispatchEncrypt(transactionID, msg, recipientAor)
	case sip.SignAndEncrypt:
		f.dispatchSignAndEncrypt(transactionID, msg, senderAor, recipientAor)
	}
}

// outboundAors picks sender/recipient AoRs by message direction — a
// request's own From/To, or a response's To/From swapped, since a
// response speaks for the answering party.
func outboundAors(msg sip.Message) (sender, recipient string) {
	switch m := msg.(type) {
	case *sip.Request:
		if h, ok := m.From(); ok {
			sender = h.Address.Aor()
		}
		if h, ok := m.To(); ok {
			recipient = h.Address.Aor()
		}
	case *sip.Response:
		if h, ok := m.To(); ok {
			sender = h.Address.Aor()
		}
		if h, ok := m.From(); ok {
			recipient = h.Address.Aor()
		}
	}
	return sender, recipient
}

func (f *Feature) dispatchSign(transactionID string, msg sip.Message, senderAor string) {
	missingCert := !f.prim.HasCert(senderAor)
	missingKey := !f.prim.HasPrivateKey(senderAor)
	if !missingCert && !missingKey {
		if err := f.completeSign(msg, senderAor); err != nil {
			f.log.Debug().Err(err).Msg("sign failed")
			f.onOutboundDone(transactionID, msg, true)
			return
		}
		f.onOutboundDone(transactionID, msg, false)
		return
	}

	if f.store == nil {
		f.reject415(transactionID, msg)
		return
	}

	req := &pendingRequest{transactionID: transactionID, kind: reqSign, message: msg, senderAor: senderAor}
	if missingCert {
		req.pendingFetches++
		f.dispatchFetch(MessageId{transactionID, senderAor, UserCertArtifact})
	}
	if missingKey {
		req.pendingFetches++
		f.dispatchFetch(MessageId{transactionID, senderAor, UserPrivateKeyArtifact})
	}
	f.registry.register(req)
}

func (f *Feature) completeSign(msg sip.Message, senderAor string) error {
	tree, err := msg.ParsedContents()
	if err != nil {
		return err
	}
	signed, err := f.prim.Sign(senderAor, tree)
	if err != nil {
		return err
	}
	if err := msg.SetContents(signed); err != nil {
		return err
	}
	msg.GetSecurityAttributes().EncryptionPerformed = true
	return nil
}

func (f *Feature) dispatchEncrypt(transactionID string, msg sip.Message, recipientAor string) {
	if f.prim.HasCert(recipientAor) {
		if err := f.completeEncrypt(msg, recipientAor); err != nil {
			f.log.Debug().Err(err).Msg("encrypt failed")
			f.onOutboundDone(transactionID, msg, true)
			return
		}
		f.onOutboundDone(transactionID, msg, false)
		return
	}

	if f.store == nil {
		f.reject415(transactionID, msg)
		return
	}

	req := &pendingRequest{transactionID: transactionID, kind: reqEncrypt, message: msg, recipientAor: recipientAor, pendingFetches: 1}
	f.registry.register(req)
	f.dispatchFetch(MessageId{transactionID, recipientAor, UserCertArtifact})
}

func (f *Feature) completeEncrypt(msg sip.Message, recipientAor string) error {
	tree, err := msg.ParsedContents()
	if err != nil {
		return err
	}
	newTree, err := f.encryptTree(tree, recipientAor)
	if err != nil {
		return err
	}
	if err := msg.SetContents(newTree); err != nil {
		return err
	}
	msg.GetSecurityAttributes().EncryptionPerformed = true
	return nil
}

// encryptTree applies the special-case rule: a top-level
// multipart/alternative is rebuilt with only its last (most-preferred)
// part encrypted, leaving the others as fallback bodies for recipients
// that can't decrypt. Anything else is encrypted wholesale.
func (f *Feature) encryptTree(tree sip.Contents, recipientAor string) (sip.Contents, error) {
	alt, ok := tree.(*sip.MultipartAlternativeContents)
	if !ok {
		return f.prim.Encrypt(recipientAor, tree)
	}
	if len(alt.Parts) == 0 {
		return nil, fmt.Errorf("security: empty multipart/alternative body")
	}
	cloned := alt.Clone().(*sip.MultipartAlternativeContents)
	last := len(cloned.Parts) - 1
	enc, err := f.prim.Encrypt(recipientAor, cloned.Parts[last])
	if err != nil {
		return nil, err
	}
	cloned.Parts[last] = enc
	return cloned, nil
}

func (f *Feature) dispatchSignAndEncrypt(transactionID string, msg sip.Message, senderAor, recipientAor string) {
	missingSenderCert := !f.prim.HasCert(senderAor)
	missingSenderKey := !f.prim.HasPrivateKey(senderAor)
	missingRecipCert := !f.prim.HasCert(recipientAor)

	if !missingSenderCert && !missingSenderKey && !missingRecipCert {
		if err := f.completeSignAndEncrypt(msg, senderAor, recipientAor); err != nil {
			f.log.Debug().Err(err).Msg("sign-and-encrypt failed")
			f.onOutboundDone(transactionID, msg, true)
			return
		}
		f.onOutboundDone(transactionID, msg, false)
		return
	}

	if f.store == nil {
		f.reject415(transactionID, msg)
		return
	}

	req := &pendingRequest{transactionID: transactionID, kind: reqSignAndEncrypt, message: msg, senderAor: senderAor, recipientAor: recipientAor}
	if missingSenderCert {
		req.pendingFetches++
		f.dispatchFetch(MessageId{transactionID, senderAor, UserCertArtifact})
	}
	if missingSenderKey {
		req.pendingFetches++
		f.dispatchFetch(MessageId{transactionID, senderAor, UserPrivateKeyArtifact})
	}
	if missingRecipCert {
		req.pendingFetches++
		f.dispatchFetch(MessageId{transactionID, recipientAor, UserCertArtifact})
	}
	f.registry.register(req)
}

func (f *Feature) completeSignAndEncrypt(msg sip.Message, senderAor, recipientAor string) error {
	tree, err := msg.ParsedContents()
	if err != nil {
		return err
	}
	encTree, err := f.encryptTree(tree, recipientAor)
	if err != nil {
		return err
	}
	signed, err := f.prim.Sign(senderAor, encTree)
	if err != nil {
		return err
	}
	if err := msg.SetContents(signed); err != nil {
		return err
	}
	msg.GetSecurityAttributes().EncryptionPerformed = true
	return nil
}

// reject415 answers a request with 415 Unsupported Media Type when
// required outbound material can never be obtained (no store configured,
// or a fetch for it failed), and reports the message as dropped.
func (f *Feature) reject415(transactionID string, msg sip.Message) {
	if req, ok := msg.(*sip.Request); ok && f.sendResponse != nil {
		res := sip.NewResponseFromRequest(req, 415, "Unsupported Media Type", nil)
		if err := f.sendResponse(res); err != nil {
			f.log.Warn().Err(err).Msg("failed to send 415 for missing security material")
		}
	}
	f.onOutboundDone(transactionID, nil, true)
}

// --- inbound path (spec §4.5) ---

func (f *Feature) handleInbound(transactionID string, msg sip.Message) {
	decryptorAor, signerAor := inboundAors(msg)
	req := &pendingRequest{transactionID: transactionID, kind: reqDecrypt, message: msg, decryptorAor: decryptorAor, signerAor: signerAor}
	f.continueDecrypt(req)
}

// inboundAors picks decryptor/signer AoRs by message direction: a
// request's own To/From, or a response's From/To, since the receiving
// party (not the sender) is who owns the key that would decrypt it.
func inboundAors(msg sip.Message) (decryptor, signer string) {
	switch m := msg.(type) {
	case *sip.Request:
		if h, ok := m.To(); ok {
			decryptor = h.Address.Aor()
		}
		if h, ok := m.From(); ok {
			signer = h.Address.Aor()
		}
	case *sip.Response:
		if h, ok := m.From(); ok {
			decryptor = h.Address.Aor()
		}
		if h, ok := m.To(); ok {
			signer = h.Address.Aor()
		}
	}
	return decryptor, signer
}

// continueDecrypt runs (or resumes) the execution order from spec §4.5:
// check for missing decryptor material, then missing signer material,
// suspending on a fetch each time one is found; otherwise descend the
// body tree and finish. Because it always re-derives isEncrypted/isSigned
// from scratch, a signer-cert need that only becomes visible once the
// decryptor's key arrives (nested Pkcs7 around a MultipartSigned) is
// naturally discovered on the next call rather than requiring a special
// case — pendingFetches can go 1 -> 0 -> 1 across two suspensions.
func (f *Feature) continueDecrypt(req *pendingRequest) {
	tree, err := req.message.ParsedContents()
	if err != nil {
		f.log.Debug().Err(err).Msg("failed to parse inbound body, passing through unmodified")
		f.onInboundDone(req.transactionID, req.message)
		return
	}

	if !req.noKey && isEncrypted(tree) {
		missingCert := !f.prim.HasCert(req.decryptorAor)
		missingKey := !f.prim.HasPrivateKey(req.decryptorAor)
		if missingCert || missingKey {
			if f.store == nil {
				req.noKey = true
			} else {
				req.pendingFetches = 0
				if missingCert {
					req.pendingFetches++
					f.dispatchFetch(MessageId{req.transactionID, req.decryptorAor, UserCertArtifact})
				}
				if missingKey {
					req.pendingFetches++
					f.dispatchFetch(MessageId{req.transactionID, req.decryptorAor, UserPrivateKeyArtifact})
				}
				f.registry.register(req)
				return
			}
		}
	}

	if isSigned(tree, req.decryptorAor, f.prim, req.noKey) && !f.prim.HasCert(req.signerAor) && f.store != nil {
		req.pendingFetches = 1
		f.dispatchFetch(MessageId{req.transactionID, req.signerAor, UserCertArtifact})
		f.registry.register(req)
		return
	}

	f.finishDecrypt(req, tree)
}

func (f *Feature) finishDecrypt(req *pendingRequest, tree sip.Contents) {
	attrs := &sip.SecurityAttributes{}
	attrs.IdentityStrength = req.message.GetSecurityAttributes().IdentityStrength

	rebuilt := getContentsRecurse(tree, req.decryptorAor, f.prim, req.noKey, attrs)
	if rebuilt == nil {
		rebuilt = tree
	}

	if err := req.message.SetContents(rebuilt); err != nil {
		f.log.Debug().Err(err).Msg("failed to reinstall decrypted body, keeping original")
	}
	req.message.SetSecurityAttributes(attrs)
	f.onInboundDone(req.transactionID, req.message)
}

// --- fetch results ---

func (f *Feature) dispatchFetch(id MessageId) {
	f.fetchStarted[id] = time.Now()
	f.store.Fetch(id)
}

func (f *Feature) handleFetchResult(res FetchResult) {
	if started, ok := f.fetchStarted[res.ID]; ok {
		fetchLatency.Observe(time.Since(started).Seconds())
		delete(f.fetchStarted, res.ID)
	}

	req, ok := f.registry.lookup(res.ID.TransactionID)
	if !ok {
		f.log.Debug().Str("transaction", res.ID.TransactionID).Msg("fetch result for unknown or abandoned request")
		return
	}

	if !res.Success {
		fetchFailuresTotal.Inc()
		f.registry.remove(req.transactionID)
		if req.kind == reqDecrypt {
			req.noKey = true
			f.continueDecrypt(req)
			return
		}
		f.reject415(req.transactionID, req.message)
		return
	}

	if err := f.installFetched(res); err != nil {
		f.log.Warn().Err(err).Str("aor", res.ID.Aor).Msg("failed to install fetched security material")
	}

	req.pendingFetches--
	if req.pendingFetches > 0 {
		return
	}
	f.registry.remove(req.transactionID)

	if req.kind == reqDecrypt {
		f.continueDecrypt(req)
		return
	}

	var err error
	switch req.kind {
	case reqSign:
		err = f.completeSign(req.message, req.senderAor)
	case reqEncrypt:
		err = f.completeEncrypt(req.message, req.recipientAor)
	case reqSignAndEncrypt:
		err = f.completeSignAndEncrypt(req.message, req.senderAor, req.recipientAor)
	}
	if err != nil {
		f.log.Debug().Err(err).Msg("outbound security operation failed after fetch completed")
		f.onOutboundDone(req.transactionID, nil, true)
		return
	}
	f.onOutboundDone(req.transactionID, req.message, false)
}

func (f *Feature) installFetched(res FetchResult) error {
	switch res.ID.Kind {
	case UserCertArtifact:
		return f.prim.InstallCert(res.ID.Aor, res.DER)
	default:
		return f.prim.InstallPrivateKey(res.ID.Aor, res.DER)
	}
}
