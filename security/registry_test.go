package security

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterLookupRemove(t *testing.T) {
	r := newRegistry()
	require.Equal(t, 0, r.len())

	req := &pendingRequest{transactionID: "tx1", kind: reqEncrypt, pendingFetches: 1}
	r.register(req)
	require.Equal(t, 1, r.len())

	got, ok := r.lookup("tx1")
	require.True(t, ok)
	require.Same(t, req, got)

	_, ok = r.lookup("missing")
	require.False(t, ok)

	r.remove("tx1")
	require.Equal(t, 0, r.len())
	_, ok = r.lookup("tx1")
	require.False(t, ok)
}

func TestRegistryReRegisterReplaces(t *testing.T) {
	r := newRegistry()
	first := &pendingRequest{transactionID: "tx1", kind: reqSign}
	second := &pendingRequest{transactionID: "tx1", kind: reqDecrypt}
	r.register(first)
	r.register(second)

	require.Equal(t, 1, r.len())
	got, ok := r.lookup("tx1")
	require.True(t, ok)
	require.Same(t, second, got)
}
