package ifacemgr

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// TCPClientInterface dials a single remote tcp_server interface and frames
// traffic with a 4-byte big-endian length prefix.
type TCPClientInterface struct {
	name string
	log  *logrus.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	in     chan []byte
}

// NewTCPClientInterface dials host:port and begins reading framed payloads.
func NewTCPClientInterface(name, host string, port int, log *logrus.Logger) (*TCPClientInterface, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	t := &TCPClientInterface{name: name, log: log, conn: conn, in: make(chan []byte, 64)}
	go t.readLoop()
	return t, nil
}

func (t *TCPClientInterface) Name() string                 { return t.name }
func (t *TCPClientInterface) SupportsBroadcast() bool       { return false }
func (t *TCPClientInterface) Recv() <-chan []byte           { return t.in }

func (t *TCPClientInterface) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return writeFramed(t.conn, frame)
}

func (t *TCPClientInterface) readLoop() {
	defer close(t.in)
	for {
		frame, err := readFramed(t.conn)
		if err != nil {
			if t.log != nil {
				t.log.WithField("interface", t.name).WithError(err).Debug("tcp client read loop exiting")
			}
			return
		}
		t.in <- frame
	}
}

func (t *TCPClientInterface) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// TCPServerInterface listens for inbound connections and multiplexes their
// framed traffic into one Recv channel, broadcasting Send to every
// connected peer.
type TCPServerInterface struct {
	name string
	log  *logrus.Logger

	ln net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	in    chan []byte
}

// NewTCPServerInterface listens on host:port.
func NewTCPServerInterface(name, host string, port int, log *logrus.Logger) (*TCPServerInterface, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	s := &TCPServerInterface{name: name, log: log, ln: ln, conns: make(map[net.Conn]struct{}), in: make(chan []byte, 64)}
	go s.acceptLoop()
	return s, nil
}

func (s *TCPServerInterface) Name() string           { return s.name }
func (s *TCPServerInterface) SupportsBroadcast() bool { return true }
func (s *TCPServerInterface) Recv() <-chan []byte     { return s.in }

func (s *TCPServerInterface) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *TCPServerInterface) serve(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	for {
		frame, err := readFramed(conn)
		if err != nil {
			return
		}
		select {
		case s.in <- frame:
		default:
		}
	}
}

func (s *TCPServerInterface) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for conn := range s.conns {
		if err := writeFramed(conn, frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *TCPServerInterface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	return s.ln.Close()
}

func writeFramed(w io.Writer, frame []byte) error {
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(frame)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

