package ifacemgr

import (
	"context"
	"fmt"
	"sync"

	golibp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// GossipInterface is a broadcast-capable byte-pipe backed by a libp2p host
// and a single gossipsub topic, grounded on the bootstrap/mDNS-discovery
// idiom of the teacher's core/network.go. It is one of several pluggable
// mediums the interface manager can carry packets over; the transport core
// never imports libp2p directly (spec.md §9 "never imports a concrete
// transport").
type GossipInterface struct {
	name string
	log  *logrus.Logger

	host   host.Host
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc

	in chan []byte

	mu     sync.Mutex
	peers  map[peer.ID]struct{}
	closed bool
}

// mdnsNotifee adapts GossipInterface to the mdns.Notifee interface without
// exporting HandlePeerFound at package scope on GossipInterface itself.
type mdnsNotifee struct{ g *GossipInterface }

func (n mdnsNotifee) HandlePeerFound(info peer.AddrInfo) { n.g.handlePeerFound(info) }

// NewGossipInterface creates a libp2p host listening on listenAddr, joins
// topicName via gossipsub, and enables mDNS peer discovery tagged
// discoveryTag.
func NewGossipInterface(name, listenAddr, topicName, discoveryTag string, log *logrus.Logger) (*GossipInterface, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := golibp2p.New(golibp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("gossip interface: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("gossip interface: gossipsub: %w", err)
	}

	topic, err := ps.Join(topicName)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("gossip interface: join topic %s: %w", topicName, err)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("gossip interface: subscribe %s: %w", topicName, err)
	}

	g := &GossipInterface{
		name:   name,
		log:    log,
		host:   h,
		ps:     ps,
		topic:  topic,
		sub:    sub,
		cancel: cancel,
		in:     make(chan []byte, 128),
		peers:  make(map[peer.ID]struct{}),
	}

	// mDNS is best-effort local discovery; its absence does not prevent the
	// interface from functioning over explicitly dialed peers.
	mdns.NewMdnsService(h, discoveryTag, mdnsNotifee{g})

	go g.readLoop(ctx)
	return g, nil
}

func (g *GossipInterface) handlePeerFound(info peer.AddrInfo) {
	if info.ID == g.host.ID() {
		return
	}
	g.mu.Lock()
	_, known := g.peers[info.ID]
	g.mu.Unlock()
	if known {
		return
	}
	if err := g.host.Connect(context.Background(), info); err != nil {
		if g.log != nil {
			g.log.WithError(err).WithField("peer", info.ID.String()).Warn("gossip interface: connect failed")
		}
		return
	}
	g.mu.Lock()
	g.peers[info.ID] = struct{}{}
	g.mu.Unlock()
}

func (g *GossipInterface) readLoop(ctx context.Context) {
	defer close(g.in)
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.host.ID() {
			continue // ignore our own publications, gossipsub loops them back locally
		}
		select {
		case g.in <- msg.Data:
		case <-ctx.Done():
			return
		}
	}
}

func (g *GossipInterface) Name() string           { return g.name }
func (g *GossipInterface) SupportsBroadcast() bool { return true }
func (g *GossipInterface) Recv() <-chan []byte     { return g.in }

func (g *GossipInterface) Send(ctx context.Context, frame []byte) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return g.topic.Publish(ctx, frame)
}

func (g *GossipInterface) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()
	g.sub.Cancel()
	g.cancel()
	return g.host.Close()
}
