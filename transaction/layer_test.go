package transaction

import (
	"testing"
	"time"

	"github.com/gosip/stack/sip"
	"github.com/stretchr/testify/require"
)

func newTestInvite(branch string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "biloxi.com"})
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "atlanta.com",
		Port:            5060,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", branch)
	req.AppendHeader(via)
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "alice", Host: "atlanta.com"}, Params: sip.NewParams()})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "biloxi.com"}})
	callID := sip.CallID("abc123@atlanta.com")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	return req
}

func TestHandleRequestDedupsRetransmission(t *testing.T) {
	txl := NewLayer(nil)
	defer txl.Close()

	var seen []string
	txl.OnRequest(func(transactionID string, req *sip.Request) {
		seen = append(seen, transactionID)
	})

	req := newTestInvite(sip.RFC3261BranchMagicCookie + "abc")
	txl.Handle(req)
	txl.Handle(req.Clone())

	require.Len(t, seen, 1)
	require.NotEmpty(t, seen[0])
}

func TestHandleRequestAckNeverDeduped(t *testing.T) {
	txl := NewLayer(nil)
	defer txl.Close()

	var count int
	txl.OnRequest(func(transactionID string, req *sip.Request) { count++ })

	req := newTestInvite(sip.RFC3261BranchMagicCookie + "abc")
	req.Method = sip.ACK
	txl.Handle(req)
	txl.Handle(req.Clone())

	require.Equal(t, 2, count)
}

func TestBasicCheckRejectsIncompleteMessage(t *testing.T) {
	txl := NewLayer(nil)
	defer txl.Close()

	require.False(t, txl.BasicCheck(nil))

	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "biloxi.com"})
	require.False(t, txl.BasicCheck(req))

	full := newTestInvite(sip.RFC3261BranchMagicCookie + "abc")
	require.True(t, txl.BasicCheck(full))
}

func TestDedupStoreExpiry(t *testing.T) {
	store := newDedupStore()
	require.False(t, store.seenRecently("k1"))
	require.True(t, store.seenRecently("k1"))

	store.expireBefore(time.Now().Add(time.Minute))
	require.False(t, store.seenRecently("k1"))
}
