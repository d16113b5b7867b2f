package transport

import (
	"net"
	"sync"
)

type ConnectionPool struct {
	sync.RWMutex
	m map[string]Connection
}

func NewConnectionPool() ConnectionPool {
	return ConnectionPool{
		m: make(map[string]Connection),
	}
}

func (p *ConnectionPool) Add(a string, c Connection) {
	p.Lock()
	p.m[a] = c
	p.Unlock()
}

func (p *ConnectionPool) Get(a string) (c Connection) {
	p.RLock()
	c = p.m[a]
	p.RUnlock()
	return c
}

func (p *ConnectionPool) Del(a string) {
	p.Lock()
	delete(p.m, a)
	p.Unlock()
}

// CloseAndDelete closes c (if it is not already referenced elsewhere) and
// removes it from the pool under addr.
func (p *ConnectionPool) CloseAndDelete(c Connection, addr string) {
	_, _ = c.TryClose()
	p.Lock()
	if existing, ok := p.m[addr]; ok && existing == c {
		delete(p.m, addr)
	}
	p.Unlock()
}

// Clear forcibly closes every pooled connection and empties the pool.
func (p *ConnectionPool) Clear() {
	p.Lock()
	conns := p.m
	p.m = make(map[string]Connection)
	p.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

type TCPPool struct {
	sync.RWMutex
	m map[string]*net.TCPConn
}

func NewTCPPool() TCPPool {
	return TCPPool{
		m: make(map[string]*net.TCPConn),
	}
}

func (p *TCPPool) Add(a string, c *net.TCPConn) {
	p.Lock()
	p.m[a] = c
	p.Unlock()
}

func (p *TCPPool) Get(a string) (c *net.TCPConn) {
	p.RLock()
	c = p.m[a]
	p.RUnlock()
	return c
}

func (p *TCPPool) Del(a string) {
	p.Lock()
	delete(p.m, a)
	p.Unlock()
}
