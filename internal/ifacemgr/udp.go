package ifacemgr

import (
	"context"
	"net"
	"strconv"
	"sync"
)

// UDPInterface sends/receives whole-datagram frames (no length prefix — UDP
// already preserves datagram boundaries) and broadcasts to a fixed set of
// peer addresses.
type UDPInterface struct {
	name string
	conn *net.UDPConn

	mu    sync.RWMutex
	peers []*net.UDPAddr

	in     chan []byte
	closed chan struct{}
}

// NewUDPInterface binds host:port for receiving and sends to the given peer
// addresses.
func NewUDPInterface(name, host string, port int, peers []string) (*UDPInterface, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	u := &UDPInterface{name: name, conn: conn, in: make(chan []byte, 64), closed: make(chan struct{})}
	for _, p := range peers {
		pa, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			continue
		}
		u.peers = append(u.peers, pa)
	}
	go u.readLoop()
	return u, nil
}

func (u *UDPInterface) Name() string           { return u.name }
func (u *UDPInterface) SupportsBroadcast() bool { return true }
func (u *UDPInterface) Recv() <-chan []byte     { return u.in }

func (u *UDPInterface) Send(ctx context.Context, frame []byte) error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var firstErr error
	for _, p := range u.peers {
		if _, err := u.conn.WriteToUDP(frame, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (u *UDPInterface) readLoop() {
	defer close(u.in)
	buf := make([]byte, 65535)
	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		frame := append([]byte(nil), buf[:n]...)
		select {
		case u.in <- frame:
		case <-u.closed:
			return
		}
	}
}

func (u *UDPInterface) Close() error {
	select {
	case <-u.closed:
	default:
		close(u.closed)
	}
	return u.conn.Close()
}

// AddPeer registers an additional broadcast destination, used when peers are
// discovered dynamically (e.g. via announce receipt on another interface).
func (u *UDPInterface) AddPeer(addr string) error {
	pa, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.peers = append(u.peers, pa)
	u.mu.Unlock()
	return nil
}
