// Package ifacemgr owns the set of pluggable byte-pipe interfaces a node
// announces and sends over (spec.md §4.1). Interfaces are a capability
// surface — TCP client/server, UDP, and a gossip fabric today — the
// transport core never depends on a concrete medium.
package ifacemgr

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Send on a closed TCP client or gossip interface.
var ErrClosed = errors.New("ifacemgr: interface closed")

// Interface is one pluggable byte-pipe medium.
type Interface interface {
	Name() string
	// Send writes a framed payload out over the medium.
	Send(ctx context.Context, frame []byte) error
	// Recv returns the channel inbound frames arrive on. Closed when the
	// interface is closed.
	Recv() <-chan []byte
	// SupportsBroadcast reports whether Send to this interface reaches
	// multiple peers (used by the transport core's broadcast fallback,
	// spec.md §4.6).
	SupportsBroadcast() bool
	Close() error
}

// DispatchOutcome describes how a Transmit call resolved for one interface.
type DispatchOutcome string

const (
	DispatchDirect    DispatchOutcome = "direct"
	DispatchBroadcast DispatchOutcome = "broadcast"
	DispatchDropped   DispatchOutcome = "dropped"
)

// DispatchTrace records, per interface, how a transmit attempt resolved.
type DispatchTrace struct {
	Entries []DispatchEntry
}

// DispatchEntry is one interface's outcome within a DispatchTrace.
type DispatchEntry struct {
	Interface string
	Outcome   DispatchOutcome
	Err       error
}

// Manager owns named interfaces, fans inbound frames from all of them into
// one channel, and exposes an ordered transmit call (spec.md §4.1/§5:
// "fan-out to them from the send pipeline is ordered by interface-id").
type Manager struct {
	log *logrus.Logger

	mu     sync.RWMutex
	ifaces map[string]Interface
	order  []string // interface ids in registration order

	inbound chan InboundFrame
}

// InboundFrame pairs a raw frame with the interface it arrived on.
type InboundFrame struct {
	Interface string
	Frame     []byte
}

// NewManager constructs an empty interface manager.
func NewManager(log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		log:     log,
		ifaces:  make(map[string]Interface),
		inbound: make(chan InboundFrame, 256),
	}
}

// Register adds an interface and starts pumping its inbound frames into the
// manager's fan-in channel.
func (m *Manager) Register(iface Interface) {
	m.mu.Lock()
	m.ifaces[iface.Name()] = iface
	m.order = append(m.order, iface.Name())
	m.mu.Unlock()

	go m.pump(iface)
}

func (m *Manager) pump(iface Interface) {
	for frame := range iface.Recv() {
		select {
		case m.inbound <- InboundFrame{Interface: iface.Name(), Frame: frame}:
		default:
			m.log.WithField("interface", iface.Name()).Warn("inbound fan-in full, dropping frame")
		}
	}
}

// Inbound returns the single fan-in channel every registered interface's
// frames arrive on.
func (m *Manager) Inbound() <-chan InboundFrame { return m.inbound }

// Transmit sends frame to the named interfaces (or, if ids is empty, to
// every registered interface as a broadcast), ordered by interface id.
func (m *Manager) Transmit(ctx context.Context, frame []byte, ids []string) DispatchTrace {
	m.mu.RLock()
	targets := append([]string(nil), ids...)
	broadcast := len(ids) == 0
	if broadcast {
		targets = append([]string(nil), m.order...)
	}
	sort.Strings(targets)
	defer m.mu.RUnlock()

	trace := DispatchTrace{}
	for _, id := range targets {
		iface, ok := m.ifaces[id]
		if !ok {
			trace.Entries = append(trace.Entries, DispatchEntry{Interface: id, Outcome: DispatchDropped, Err: errors.New("unknown interface")})
			continue
		}
		outcome := DispatchDirect
		if broadcast && iface.SupportsBroadcast() {
			outcome = DispatchBroadcast
		}
		if err := iface.Send(ctx, frame); err != nil {
			trace.Entries = append(trace.Entries, DispatchEntry{Interface: id, Outcome: DispatchDropped, Err: err})
			continue
		}
		trace.Entries = append(trace.Entries, DispatchEntry{Interface: id, Outcome: outcome})
	}
	return trace
}

// Interfaces returns the registered interface ids in registration order.
func (m *Manager) Interfaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Close closes every registered interface.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, id := range m.order {
		if err := m.ifaces[id].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
