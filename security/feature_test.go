package security

import (
	"sync"
	"testing"
	"time"

	"github.com/gosip/stack/security/securitytest"
	"github.com/gosip/stack/sip"
	"github.com/stretchr/testify/require"
)

const (
	testAlice = "alice@atlanta.com"
	testBob   = "bob@biloxi.com"
)

func newTestRequest(t *testing.T, level sip.EncryptionLevel, body string) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "biloxi.com"})
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "alice", Host: "atlanta.com"}})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "biloxi.com"}})
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(body))
	req.GetSecurityAttributes().OutgoingEncryptionLevel = level
	return req
}

// harness wires a Feature to a FakeStore and collects every outbound/
// inbound callback it produces, so tests can block on the result instead
// of racing the feature's own goroutine.
type harness struct {
	feature *Feature
	store   *securitytest.FakeStore

	mu        sync.Mutex
	outbound  []outboundResult
	inbound   []sip.Message
	responses []*sip.Response
}

type outboundResult struct {
	msg     sip.Message
	dropped bool
}

func newHarness() *harness {
	h := &harness{}
	h.store = securitytest.NewFakeStore(func(r FetchResult) { h.feature.PostFetchResult(r) })
	h.feature = NewFeature(h.store, h.store,
		func(res *sip.Response) error {
			h.mu.Lock()
			h.responses = append(h.responses, res)
			h.mu.Unlock()
			return nil
		},
		func(transactionID string, msg sip.Message, dropped bool) {
			h.mu.Lock()
			h.outbound = append(h.outbound, outboundResult{msg, dropped})
			h.mu.Unlock()
		},
		func(transactionID string, msg sip.Message) {
			h.mu.Lock()
			h.inbound = append(h.inbound, msg)
			h.mu.Unlock()
		},
	)
	return h
}

func (h *harness) waitOutbound(t *testing.T) outboundResult {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.outbound) > 0 {
			r := h.outbound[0]
			h.outbound = h.outbound[1:]
			h.mu.Unlock()
			return r
		}
		h.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for outbound result")
	return outboundResult{}
}

func (h *harness) waitInbound(t *testing.T) sip.Message {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.inbound) > 0 {
			m := h.inbound[0]
			h.inbound = h.inbound[1:]
			h.mu.Unlock()
			return m
		}
		h.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for inbound result")
	return nil
}

func TestOutboundSignLocalMaterial(t *testing.T) {
	h := newHarness()
	h.store.SeedLocal(testAlice, UserCertArtifact, []byte("alice-cert"))
	h.store.SeedLocal(testAlice, UserPrivateKeyArtifact, []byte("alice-key"))

	req := newTestRequest(t, sip.Sign, "v=0\r\n")
	h.feature.HandleOutbound("tx1", req)

	res := h.waitOutbound(t)
	require.False(t, res.dropped)
	require.True(t, res.msg.GetSecurityAttributes().EncryptionPerformed)

	tree, err := res.msg.(*sip.Request).ParsedContents()
	require.NoError(t, err)
	_, ok := tree.(*sip.MultipartSignedContents)
	require.True(t, ok)
}

// orderedFetchStore defers every Fetch instead of resolving it immediately,
// so a test can choose exactly which pending fetch completes first.
type orderedFetchStore struct {
	*securitytest.FakeStore

	mu      sync.Mutex
	pending []MessageId
}

func newOrderedFetchStore() *orderedFetchStore {
	return &orderedFetchStore{FakeStore: securitytest.NewFakeStore(nil)}
}

func (s *orderedFetchStore) Fetch(id MessageId) {
	s.mu.Lock()
	s.pending = append(s.pending, id)
	s.mu.Unlock()
}

func (s *orderedFetchStore) waitPending(t *testing.T, n int) []MessageId {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.pending) >= n {
			out := append([]MessageId(nil), s.pending...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for fetches to be dispatched")
	return nil
}

// TestPendingCompletionOrderFollowsFetchResolutionOrder submits a sign
// request B before a sign request A, then resolves A's fetches first, and
// checks A still completes first: completion order tracks fetch resolution
// order, not HandleOutbound submission order.
func TestPendingCompletionOrderFollowsFetchResolutionOrder(t *testing.T) {
	store := newOrderedFetchStore()

	var mu sync.Mutex
	var order []string
	feature := NewFeature(store, store,
		func(res *sip.Response) error { return nil },
		func(transactionID string, msg sip.Message, dropped bool) {
			mu.Lock()
			order = append(order, transactionID)
			mu.Unlock()
		},
		func(transactionID string, msg sip.Message) {},
	)
	defer feature.Close()

	reqB := newTestRequest(t, sip.Sign, "v=0\r\n")
	feature.HandleOutbound("txB", reqB)

	reqA := newTestRequest(t, sip.Sign, "v=0\r\n")
	feature.HandleOutbound("txA", reqA)

	pending := store.waitPending(t, 4)

	resolve := func(transactionID string) {
		for _, id := range pending {
			if id.TransactionID != transactionID {
				continue
			}
			der := []byte(transactionID + string(rune('0'+id.Kind)))
			feature.PostFetchResult(FetchResult{ID: id, Success: true, DER: der})
		}
	}

	resolve("txA")
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("txA never completed")
		}
		time.Sleep(time.Millisecond)
	}

	resolve("txB")
	deadline = time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("txB never completed")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"txA", "txB"}, order)
}

func TestOutboundEncryptFetchesMissingCert(t *testing.T) {
	h := newHarness()
	h.store.SeedFetchable(testBob, UserCertArtifact, []byte("bob-cert"))

	req := newTestRequest(t, sip.Encrypt, "v=0\r\n")
	h.feature.HandleOutbound("tx2", req)

	res := h.waitOutbound(t)
	require.False(t, res.dropped)
	require.True(t, h.store.HasCert(testBob))

	tree, err := res.msg.(*sip.Request).ParsedContents()
	require.NoError(t, err)
	_, ok := tree.(*sip.Pkcs7Contents)
	require.True(t, ok)
}

func TestOutboundEncryptFetchFailureSends415(t *testing.T) {
	h := newHarness()
	// no SeedFetchable entry for bob: fetch will report failure.

	req := newTestRequest(t, sip.Encrypt, "v=0\r\n")
	h.feature.HandleOutbound("tx3", req)

	res := h.waitOutbound(t)
	require.True(t, res.dropped)
	require.Nil(t, res.msg)

	require.Len(t, h.responses, 1)
	require.Equal(t, 415, h.responses[0].StatusCode)
}

func TestOutboundEncryptNoStoreSends415Immediately(t *testing.T) {
	h := &harness{}
	h.store = securitytest.NewFakeStore(func(r FetchResult) { h.feature.PostFetchResult(r) })
	h.feature = NewFeature(h.store, nil,
		func(res *sip.Response) error {
			h.mu.Lock()
			h.responses = append(h.responses, res)
			h.mu.Unlock()
			return nil
		},
		func(transactionID string, msg sip.Message, dropped bool) {
			h.mu.Lock()
			h.outbound = append(h.outbound, outboundResult{msg, dropped})
			h.mu.Unlock()
		},
		func(transactionID string, msg sip.Message) {},
	)

	req := newTestRequest(t, sip.Encrypt, "v=0\r\n")
	h.feature.HandleOutbound("tx4", req)

	res := h.waitOutbound(t)
	require.True(t, res.dropped)
	require.Len(t, h.responses, 1)
	require.Equal(t, 415, h.responses[0].StatusCode)
}

func TestOutboundSignAndEncryptAlternativeOnlyEncryptsLastPart(t *testing.T) {
	h := newHarness()
	h.store.SeedLocal(testAlice, UserCertArtifact, []byte("alice-cert"))
	h.store.SeedLocal(testAlice, UserPrivateKeyArtifact, []byte("alice-key"))
	h.store.SeedLocal(testBob, UserCertArtifact, []byte("bob-cert"))

	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "biloxi.com"})
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "alice", Host: "atlanta.com"}})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "biloxi.com"}})
	alt := &sip.MultipartAlternativeContents{
		Boundary: "b1",
		Parts: []sip.Contents{
			&sip.OpaqueContents{Type: "text/plain", Data: []byte("legacy")},
			&sip.OpaqueContents{Type: "application/sdp", Data: []byte("v=0\r\n")},
		},
	}
	require.NoError(t, req.SetContents(alt))
	req.GetSecurityAttributes().OutgoingEncryptionLevel = sip.SignAndEncrypt

	h.feature.HandleOutbound("tx5", req)
	res := h.waitOutbound(t)
	require.False(t, res.dropped)

	tree, err := res.msg.(*sip.Request).ParsedContents()
	require.NoError(t, err)
	signed, ok := tree.(*sip.MultipartSignedContents)
	require.True(t, ok)
	rebuiltAlt, ok := signed.Payload.(*sip.MultipartAlternativeContents)
	require.True(t, ok)
	_, firstStillPlain := rebuiltAlt.Parts[0].(*sip.OpaqueContents)
	require.True(t, firstStillPlain)
	_, lastEncrypted := rebuiltAlt.Parts[1].(*sip.Pkcs7Contents)
	require.True(t, lastEncrypted)
}

func TestInboundDecryptAndVerify(t *testing.T) {
	h := newHarness()
	h.store.SeedLocal(testBob, UserCertArtifact, []byte("bob-cert"))
	h.store.SeedLocal(testBob, UserPrivateKeyArtifact, []byte("bob-key"))
	h.store.SeedLocal(testAlice, UserCertArtifact, []byte("alice-cert"))

	inner := &sip.OpaqueContents{Type: "application/sdp", Data: []byte("v=0\r\n")}
	signed, err := h.store.Sign(testAlice, inner)
	require.NoError(t, err)
	enveloped, err := h.store.Encrypt(testBob, signed)
	require.NoError(t, err)

	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "biloxi.com"})
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "alice", Host: "atlanta.com"}})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "biloxi.com"}})
	require.NoError(t, req.SetContents(enveloped))

	h.feature.HandleInbound("tx6", req)
	msg := h.waitInbound(t)

	attrs := msg.GetSecurityAttributes()
	require.True(t, attrs.Encrypted)
	require.Equal(t, sip.SignatureTrusted, attrs.SignatureStatus)
	require.Equal(t, testAlice, attrs.Signer)

	tree, err := msg.(*sip.Request).ParsedContents()
	require.NoError(t, err)
	opaque, ok := tree.(*sip.OpaqueContents)
	require.True(t, ok)
	require.Equal(t, "v=0\r\n", string(opaque.Data))
}

func TestInboundDecryptFetchesMissingKeyThenSignerCert(t *testing.T) {
	h := newHarness()
	h.store.SeedFetchable(testBob, UserCertArtifact, []byte("bob-cert"))
	h.store.SeedFetchable(testBob, UserPrivateKeyArtifact, []byte("bob-key"))
	h.store.SeedFetchable(testAlice, UserCertArtifact, []byte("alice-cert"))

	inner := &sip.OpaqueContents{Type: "application/sdp", Data: []byte("v=0\r\n")}
	signed, err := h.store.Sign(testAlice, inner)
	require.NoError(t, err)
	enveloped, err := h.store.Encrypt(testBob, signed)
	require.NoError(t, err)

	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "biloxi.com"})
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "alice", Host: "atlanta.com"}})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "biloxi.com"}})
	require.NoError(t, req.SetContents(enveloped))

	h.feature.HandleInbound("tx7", req)
	msg := h.waitInbound(t)

	attrs := msg.GetSecurityAttributes()
	require.True(t, attrs.Encrypted)
	require.Equal(t, sip.SignatureTrusted, attrs.SignatureStatus)
	require.Equal(t, testAlice, attrs.Signer)
	require.True(t, h.store.HasCert(testBob))
	require.True(t, h.store.HasPrivateKey(testBob))
}

func TestInboundDecryptNoStoreMarksNoKey(t *testing.T) {
	h := &harness{}
	h.store = securitytest.NewFakeStore(func(r FetchResult) { h.feature.PostFetchResult(r) })
	h.feature = NewFeature(h.store, nil, nil,
		func(transactionID string, msg sip.Message, dropped bool) {},
		func(transactionID string, msg sip.Message) {
			h.mu.Lock()
			h.inbound = append(h.inbound, msg)
			h.mu.Unlock()
		},
	)

	inner := &sip.OpaqueContents{Type: "application/sdp", Data: []byte("v=0\r\n")}
	enveloped, err := h.store.Encrypt(testBob, inner)
	require.NoError(t, err)

	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "biloxi.com"})
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "alice", Host: "atlanta.com"}})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "biloxi.com"}})
	require.NoError(t, req.SetContents(enveloped))

	h.feature.HandleInbound("tx8", req)
	msg := h.waitInbound(t)

	attrs := msg.GetSecurityAttributes()
	require.False(t, attrs.Encrypted)
	tree, err := msg.(*sip.Request).ParsedContents()
	require.NoError(t, err)
	_, stillOpaque := tree.(*sip.Pkcs7Contents)
	require.True(t, stillOpaque)
}

func TestInboundPreservesIdentityStrength(t *testing.T) {
	h := newHarness()
	h.store.SeedLocal(testBob, UserCertArtifact, []byte("bob-cert"))
	h.store.SeedLocal(testBob, UserPrivateKeyArtifact, []byte("bob-key"))

	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "biloxi.com"})
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "alice", Host: "atlanta.com"}})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "biloxi.com"}})
	req.GetSecurityAttributes().IdentityStrength = sip.IdentityStrong
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte("v=0\r\n"))

	h.feature.HandleInbound("tx9", req)
	msg := h.waitInbound(t)
	require.Equal(t, sip.IdentityStrong, msg.GetSecurityAttributes().IdentityStrength)
}

func TestOutboundSkipsAlreadyPerformed(t *testing.T) {
	h := newHarness()
	req := newTestRequest(t, sip.Sign, "v=0\r\n")
	req.GetSecurityAttributes().EncryptionPerformed = true

	h.feature.HandleOutbound("tx10", req)
	res := h.waitOutbound(t)
	require.False(t, res.dropped)
	require.Same(t, req, res.msg)
}
