package transport

import "github.com/gosip/stack/sip"

var (
	SIPDebug bool
)

const (
	// Transport for different sip messages. GO uses lowercase, but for message parsing, we should
	// use this constants for setting message Transport
	TransportUDP = "UDP"
	TransportTCP = "TCP"
	TransportTLS = "TLS"
	TransportWS  = "WS"
)

// Transport implements network specific features. Listening is driven
// directly through each concrete type's Serve method (called from Layer's
// ListenAndServe/ListenAndServeTLS), not through this interface — it only
// captures what Layer needs once a listener already exists: looking up or
// dialing connections, and tearing the whole transport down.
type Transport interface {
	Network() string
	GetConnection(addr string) (Connection, error)
	CreateConnection(addr string, handler sip.MessageHandler) (Connection, error)
	String() string
	Close() error
}
