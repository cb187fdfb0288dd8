// Package framing implements the length-prefixed TCP transport for the RPC
// daemon: a 4-byte big-endian size prefix followed by a JSON-encoded
// rpcdaemon.Request/Response (spec.md §6).
package framing

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"meshrund/internal/rpcdaemon"
)

// MaxFrameSize bounds a single frame to guard against a malicious or
// malformed size prefix.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a peer sends a size prefix beyond
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("framing: frame exceeds maximum size")

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(payload)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Server accepts TCP connections and serves framed RPC requests against a
// daemon (spec.md §6 "primary framed transport").
type Server struct {
	log    *logrus.Logger
	daemon *rpcdaemon.Daemon
}

// NewServer builds a framing server over daemon.
func NewServer(daemon *rpcdaemon.Daemon, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{log: log, daemon: daemon}
}

// Serve accepts connections on ln until it is closed, handling each on its
// own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.WithError(err).Debug("framing: connection read failed")
			}
			return
		}

		var req rpcdaemon.Request
		if err := json.Unmarshal(frame, &req); err != nil {
			s.log.WithError(err).Warn("framing: malformed request frame")
			continue
		}

		resp := rpcdaemon.Handle(s.daemon, req)
		out, err := json.Marshal(resp)
		if err != nil {
			s.log.WithError(err).Error("framing: failed to encode response")
			continue
		}
		if err := WriteFrame(conn, out); err != nil {
			s.log.WithError(err).Debug("framing: connection write failed")
			return
		}
	}
}
