// Package runtime wires every subsystem into a single running endpoint,
// the way the teacher's core.NewNode bootstraps a libp2p host, pubsub,
// NAT traversal, and peer discovery into one Node (spec.md §4 end-to-end
// wiring).
package runtime

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshrund/internal/announce"
	"meshrund/internal/delivery"
	"meshrund/internal/domain"
	"meshrund/internal/identity"
	"meshrund/internal/ifacemgr"
	"meshrund/internal/link"
	"meshrund/internal/metrics"
	"meshrund/internal/packet"
	"meshrund/internal/pathtable"
	"meshrund/internal/ratchet"
	"meshrund/internal/resource"
	"meshrund/internal/rpcdaemon"
	"meshrund/internal/rpcdaemon/framing"
	"meshrund/internal/rpcdaemon/httpd"
	"meshrund/internal/store"
	"meshrund/internal/transport"
	"meshrund/internal/xcrypto"
	"meshrund/pkg/config"
	"meshrund/pkg/utils"
)

// defaultMDU is the assumed medium MTU used to size the ciphertext ceiling
// a send pipeline will accept (spec.md §4.1 "MDU ... media MTU minus fixed
// overheads"), absent any interface reporting a narrower one.
const defaultMDU = 500

// Runtime holds every live subsystem of a meshrund endpoint.
type Runtime struct {
	Config  config.Config
	Log     *logrus.Logger
	Metrics *metrics.Registry

	Identity *xcrypto.PrivateIdentity
	Ratchet  *ratchet.Store

	Ifaces *ifacemgr.Manager
	Cache  *packet.Cache
	Paths  *pathtable.Table
	Links  *link.Table

	Announces *announce.Table
	Resources *resource.Manager
	Delivery  *delivery.Coordinator
	Transport *transport.Pipeline

	Store  *store.Store
	Domain *domain.State

	Daemon  *rpcdaemon.Daemon
	Auth    *rpcdaemon.Authorizer
	Framing *framing.Server
	HTTP    *httpd.Server

	linkMu        sync.Mutex
	linkByDest    map[[16]byte][16]byte  // destination address hash -> owning link id
	resourceLinks map[[32]byte][16]byte  // resource hash -> owning link/destination id

	cfgMu sync.Mutex

	stampMu       sync.Mutex
	stampPolicies map[[16]byte]int
}

// announceMaxRetransmits bounds how many times a queued announce is
// rebroadcast before it is dropped from the retransmit work queue.
const announceMaxRetransmits = 3

// announceRetransmitInterval paces the announce retransmit sweep.
const announceRetransmitInterval = 30 * time.Second

// resourcePartMDUMargin leaves headroom under the packet MDU ceiling for the
// msgpack control envelope wrapping each resource part.
const resourcePartMDUMargin = 64

// errLinkPending is returned by initiateLink when a new handshake was just
// started and the caller must wait for it to reach Active.
var errLinkPending = errors.New("runtime: link handshake in progress")

// New assembles a Runtime from a loaded configuration. It does not start any
// background loop; call Run for that.
func New(cfg config.Config, log *logrus.Logger) (*Runtime, error) {
	id, err := loadOrCreateIdentity(cfg.Identity.PrivateKeyDir)
	if err != nil {
		return nil, utils.Wrap(err, "load identity")
	}

	rs := ratchet.New(id, cfg.Ratchet.Interval, cfg.Ratchet.Retained, cfg.Ratchet.PersistPath)
	if cfg.Ratchet.Enabled {
		if err := rs.Open(); err != nil {
			return nil, utils.Wrap(err, "open ratchet store")
		}
	}

	ifaces := ifacemgr.NewManager(log)
	for _, ic := range cfg.Interfaces {
		iface, err := buildInterface(ic, log)
		if err != nil {
			return nil, utils.Wrapf(err, "build interface %s", ic.Name)
		}
		ifaces.Register(iface)
	}

	cache := packet.NewCache(8192, 30*time.Minute)
	paths := pathtable.New(4096)
	links := link.NewTable()
	announces := announce.New(4096, 60)
	resources := resource.NewManager()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, utils.Wrap(err, "open store")
	}

	dom := loadDomainSnapshot(st, log)

	m := metrics.New()

	rt := &Runtime{
		Config:     cfg,
		Log:        log,
		Metrics:    m,
		Identity:   id,
		Ratchet:    rs,
		Ifaces:     ifaces,
		Cache:      cache,
		Paths:      paths,
		Links:      links,
		Announces:  announces,
		Resources:  resources,
		Store:      st,
		Domain:     dom,
		linkByDest:    make(map[[16]byte][16]byte),
		resourceLinks: make(map[[32]byte][16]byte),
		stampPolicies: make(map[[16]byte]int),
	}

	rt.Transport = transport.New(cache, paths, links, ifaces, packet.MaxPayload(defaultMDU))

	rt.Delivery = delivery.NewCoordinator(delivery.Hooks{
		SendDirect:        rt.sendDirect,
		SendOpportunistic: rt.sendOpportunistic,
		SendPropagated:    rt.sendPropagated,
		AwaitReceipt:      rt.awaitReceipt,
	})

	rt.Daemon = rpcdaemon.New(st, "meshrund", "primary", dom, rt.daemonHooks())
	rt.Auth = rpcdaemon.NewAuthorizer(rpcdaemon.AuthConfig{
		BindMode:     rpcdaemon.BindMode(cfg.RPC.BindMode),
		AuthMode:     rpcdaemon.AuthMode(cfg.RPC.AuthMode),
		TrustedProxy: cfg.RPC.TrustedProxy,
		SharedSecret: cfg.RPC.SharedSecret,
		Issuer:       cfg.RPC.Issuer,
		Audience:     cfg.RPC.Audience,
	}, 4096, func(principal string) {
		log.WithField("principal", principal).Warn("rate limited rpc caller")
	})
	rt.Framing = framing.NewServer(rt.Daemon, log)
	rt.HTTP = httpd.NewServer(rt.Daemon, rt.Auth, log)

	return rt, nil
}

// Run starts every background loop (link sweeper, resource retry ticker,
// inbound frame pump, RPC servers) and blocks until ctx is canceled.
func (rt *Runtime) Run(ctx context.Context) error {
	go rt.Links.Run(ctx, 5*time.Second)
	go rt.retryLoop(ctx)
	go rt.announceRetransmitLoop(ctx)
	go rt.pumpInbound(ctx)

	var httpSrv *http.Server
	if rt.Config.RPC.ListenAddr != "" {
		ln, err := net.Listen("tcp", rt.Config.RPC.ListenAddr)
		if err != nil {
			return utils.Wrap(err, "listen rpc framing addr")
		}
		go func() {
			if err := rt.Framing.Serve(ln); err != nil {
				rt.Log.WithError(err).Debug("rpc framing server stopped")
			}
		}()
		go func() { <-ctx.Done(); ln.Close() }()
	}
	if rt.Config.RPC.HTTPAddr != "" {
		httpSrv = &http.Server{Addr: rt.Config.RPC.HTTPAddr, Handler: rt.HTTP.Router()}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				rt.Log.WithError(err).Error("rpc http server stopped")
			}
		}()
	}

	<-ctx.Done()
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return rt.Close()
}

// Close releases every owned resource.
func (rt *Runtime) Close() error {
	rt.Ifaces.Close()
	rt.Cache.Close()
	if blob, err := rt.Domain.MarshalSnapshot(); err == nil {
		_ = rt.Store.PutSDKDomainSnapshot(blob)
	}
	return rt.Store.Close()
}

func (rt *Runtime) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(resource.DefaultRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, due := range rt.Resources.RetryTick(now) {
				due := due
				rt.linkMu.Lock()
				dest, ok := rt.resourceLinks[due.Hash]
				rt.linkMu.Unlock()
				if !ok {
					continue
				}
				var iface string
				if l, ok := rt.Links.Get(dest); ok {
					iface = l.Interface
				}
				rt.sendResourceControlEncoded(iface, dest, func() ([]byte, error) {
					return resource.EncodeRequest(due.Request)
				})
			}
		}
	}
}

// announceRetransmitLoop periodically rebroadcasts queued announces that
// haven't yet been retransmitted their full budget (spec.md §4.3).
func (rt *Runtime) announceRetransmitLoop(ctx context.Context) {
	ticker := time.NewTicker(announceRetransmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, entry := range rt.Announces.DrainDue(announceMaxRetransmits) {
				rt.Transport.Send(ctx, entry.Packet, "", nil, nil)
			}
		}
	}
}

func (rt *Runtime) pumpInbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-rt.Ifaces.Inbound():
			pkt, err := packet.Decode(frame.Frame)
			if err != nil {
				rt.Log.WithError(err).Debug("dropping undecodable frame")
				continue
			}
			rt.Metrics.PacketsReceived.Inc()
			rt.handlePacket(frame.Interface, pkt)
		}
	}
}

func (rt *Runtime) handlePacket(iface string, pkt *packet.Packet) {
	hash := pkt.Hash()
	if rt.Cache.Seen(hash) {
		return
	}
	rt.Cache.Insert(hash, iface)

	switch pkt.Header.PacketType {
	case packet.PacketTypeLinkReq:
		rt.handleLinkRequest(iface, pkt)
		return
	case packet.PacketTypeProof:
		rt.handleProof(iface, pkt)
		return
	case packet.PacketTypeAnnounce:
		rt.handleAnnounce(iface, pkt)
		return
	case packet.PacketTypeResource:
		rt.handleResourcePacket(iface, pkt)
		return
	}

	if l, ok := rt.Links.Get([16]byte(pkt.Destination)); ok {
		rt.handleLinkPacket(l, pkt)
		return
	}
	// Data packets on no tracked link are opaque payload routed onward by
	// the delivery coordinator via whichever higher-level caller decoded
	// them; this endpoint has no pending inbound context for them.
}

func (rt *Runtime) handleAnnounce(iface string, pkt *packet.Packet) {
	ratchetFlagSet := pkt.Header.ContextFlag != 0
	a, err := identity.ValidateAnnounce(pkt.Payload, pkt.Destination, ratchetFlagSet)
	if err != nil {
		rt.Log.WithError(err).Debug("dropping invalid announce")
		return
	}
	rt.Paths.Upsert(pkt.Destination, a.Identity, pkt.Header.Hops, iface, time.Now())
	if _, accepted := rt.Announces.Accept(a, pkt, pkt.Destination, iface, time.Now()); accepted {
		rt.Metrics.AnnouncesAccepted.Inc()
	} else {
		rt.Metrics.AnnouncesDropped.Inc()
	}
}

func (rt *Runtime) handleLinkPacket(l *link.Link, pkt *packet.Packet) {
	if ok, isRequest := link.IsKeepalive(pkt.Payload); ok {
		l.Touch(time.Now())
		if isRequest {
			_ = rt.Ifaces.Transmit(context.Background(), link.KeepaliveFrame(false), []string{l.Interface})
		}
		return
	}
}

// decodeLinkRequestPayload parses a link-request packet body: the
// initiator's static identity followed by its fresh ephemeral public key
// (owner_pub ‖ owner_verify ‖ ephemeral_pub).
func decodeLinkRequestPayload(payload []byte) (ownerPub [32]byte, ownerVerify ed25519.PublicKey, ephemeralPub [32]byte, err error) {
	if len(payload) != 96 {
		err = fmt.Errorf("runtime: malformed link request payload (%d bytes)", len(payload))
		return
	}
	copy(ownerPub[:], payload[0:32])
	ownerVerify = append(ed25519.PublicKey(nil), payload[32:64]...)
	copy(ephemeralPub[:], payload[64:96])
	return
}

// handleLinkRequest answers an inbound link request as the responder side of
// the handshake (spec.md §4.4): derive session keys, register the link, and
// emit a proof carrying this side's ephemeral public key.
func (rt *Runtime) handleLinkRequest(iface string, pkt *packet.Packet) {
	ownerPub, ownerVerify, ephemeralPub, err := decodeLinkRequestPayload(pkt.Payload)
	if err != nil {
		rt.Log.WithError(err).Debug("dropping malformed link request")
		return
	}
	remote := xcrypto.Identity{Public: ownerPub, Verify: ownerVerify}
	id := [16]byte(pkt.Destination)

	l, err := link.NewResponder(id, rt.Identity.Identity, remote, iface, ephemeralPub, time.Now())
	if err != nil {
		rt.Log.WithError(err).Debug("failed to respond to link request")
		return
	}
	rt.Links.Add(l)

	ourEphemeral := l.EphemeralPub()
	proofPkt := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderTypeType1,
			DestinationType: packet.DestinationLink,
			PacketType:      packet.PacketTypeProof,
		},
		Destination: id,
		Payload:     ourEphemeral[:],
	}
	rt.Transport.Send(context.Background(), proofPkt, iface, &id, nil)
	l.Activate(time.Now())
}

// handleProof completes the initiator side of a link handshake.
func (rt *Runtime) handleProof(iface string, pkt *packet.Packet) {
	if len(pkt.Payload) != 32 {
		rt.Log.Debug("dropping malformed link proof")
		return
	}
	id := [16]byte(pkt.Destination)
	l, ok := rt.Links.Get(id)
	if !ok {
		return
	}
	var peerEphemeral [32]byte
	copy(peerEphemeral[:], pkt.Payload)
	l.Interface = iface
	if err := l.HandleProof(peerEphemeral, time.Now()); err != nil {
		rt.Log.WithError(err).Debug("failed to complete link handshake")
	}
}

// initiateLink returns an existing link to dest if one is tracked, otherwise
// generates a fresh link id, registers a Pending initiator, broadcasts the
// link-request, and returns errLinkPending so the caller waits for Active.
func (rt *Runtime) initiateLink(ctx context.Context, dest [16]byte, destIdentity xcrypto.Identity) (*link.Link, error) {
	rt.linkMu.Lock()
	if existingID, ok := rt.linkByDest[dest]; ok {
		if l, ok := rt.Links.Get(existingID); ok && l.State() != link.Closed {
			rt.linkMu.Unlock()
			return l, nil
		}
	}
	rt.linkMu.Unlock()

	var id [16]byte
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return nil, err
	}

	l, err := link.NewInitiator(id, rt.Identity.Identity, destIdentity, "", time.Now())
	if err != nil {
		return nil, err
	}
	rt.Links.Add(l)
	rt.linkMu.Lock()
	rt.linkByDest[dest] = id
	rt.linkMu.Unlock()

	ephemeral := l.EphemeralPub()
	payload := make([]byte, 0, 96)
	payload = append(payload, rt.Identity.Public[:]...)
	payload = append(payload, []byte(rt.Identity.Verify)...)
	payload = append(payload, ephemeral[:]...)

	pkt := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderTypeType1,
			DestinationType: packet.DestinationLink,
			PacketType:      packet.PacketTypeLinkReq,
		},
		Destination: id,
		Payload:     payload,
	}
	rt.Transport.Send(ctx, pkt, "", nil, nil)
	return l, errLinkPending
}

// awaitLinkActive blocks until l reaches Active, is closed, or ctx expires.
func (rt *Runtime) awaitLinkActive(ctx context.Context, l *link.Link) error {
	if l.State() == link.Active {
		return nil
	}
	events, cancel := l.Subscribe()
	defer cancel()
	if l.State() == link.Active {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("runtime: link closed before activation")
			}
			switch ev.State {
			case link.Active:
				return nil
			case link.Closed:
				return fmt.Errorf("runtime: link closed before activation")
			}
		}
	}
}

// outcomeToErr maps a transport dispatch outcome to the error delivery.Deliver
// sees; DroppedLoop means another in-flight attempt already owns this packet,
// which is not itself a delivery failure.
func outcomeToErr(o transport.Outcome) error {
	switch o {
	case transport.SentDirect, transport.SentBroadcast, transport.DroppedLoop:
		return nil
	default:
		return fmt.Errorf("runtime: send failed: %s", o)
	}
}

func (rt *Runtime) encryptFuncFor(req delivery.Request) (transport.EncryptFunc, error) {
	switch req.DestinationType {
	case packet.DestinationPlain:
		return transport.PlainPassthrough, nil
	case packet.DestinationGroup:
		if req.GroupKey == nil {
			return nil, fmt.Errorf("runtime: group destination missing group key")
		}
		return transport.GroupEncrypt(*req.GroupKey), nil
	default:
		if req.DestIdentity == nil {
			return nil, transport.ErrMissingDestinationIdentity
		}
		return transport.SingleDestinationEncrypt(*req.DestIdentity, req.RatchetPub)
	}
}

// sendDirect activates (or reuses) a link to the destination and carries the
// payload over it, falling back to a chunked resource transfer when the
// payload doesn't fit a single packet (spec.md §4.4/§4.5/§4.7).
func (rt *Runtime) sendDirect(ctx context.Context, req delivery.Request) error {
	if req.DestIdentity == nil {
		return transport.ErrMissingDestinationIdentity
	}

	l, err := rt.initiateLink(ctx, req.Destination, *req.DestIdentity)
	if err != nil && err != errLinkPending {
		return err
	}
	if l.State() != link.Active {
		if waitErr := rt.awaitLinkActive(ctx, l); waitErr != nil {
			return waitErr
		}
	}

	linkID := l.ID
	if len(req.Payload) <= packet.MaxPayload(defaultMDU) {
		pkt := &packet.Packet{
			Header: packet.Header{
				HeaderType:      packet.HeaderTypeType1,
				DestinationType: packet.DestinationLink,
				PacketType:      packet.PacketTypeData,
			},
			Destination: linkID,
			Payload:     req.Payload,
		}
		result := rt.Transport.Send(ctx, pkt, l.Interface, &linkID, l.Encrypt)
		return outcomeToErr(result.Outcome)
	}

	partMDU := packet.MaxPayload(defaultMDU) - resourcePartMDUMargin
	if partMDU <= 0 {
		partMDU = packet.MaxPayload(defaultMDU)
	}
	ob, adv, err := resource.BuildOutbound(req.Payload, nil, true, l.Encrypt, partMDU)
	if err != nil {
		return err
	}
	rt.Resources.TrackOutbound(ob)
	rt.linkMu.Lock()
	rt.resourceLinks[ob.ResourceHash] = linkID
	rt.linkMu.Unlock()
	iface, advCopy := l.Interface, *adv
	rt.sendResourceControlEncoded(iface, linkID, func() ([]byte, error) { return resource.EncodeAdvertisement(advCopy) })
	return nil
}

// sendOpportunistic carries a single-packet payload directly over whichever
// route the path table or broadcast fallback resolves, without an active
// link (spec.md §4.7).
func (rt *Runtime) sendOpportunistic(ctx context.Context, req delivery.Request) error {
	encryptFn, err := rt.encryptFuncFor(req)
	if err != nil {
		return err
	}
	pkt := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderTypeType1,
			DestinationType: req.DestinationType,
			PacketType:      packet.PacketTypeData,
		},
		Destination: req.Destination,
		Payload:     req.Payload,
	}
	result := rt.Transport.Send(ctx, pkt, "", nil, encryptFn)
	return outcomeToErr(result.Outcome)
}

// sendPropagated hands the payload to a named propagation relay, identified
// by its hex-encoded destination address hash (spec.md §4.7).
func (rt *Runtime) sendPropagated(ctx context.Context, req delivery.Request, relay string) error {
	relayBytes, err := hex.DecodeString(relay)
	if err != nil || len(relayBytes) != packet.DestinationSize {
		return fmt.Errorf("runtime: malformed relay destination %q", relay)
	}
	var relayDest [16]byte
	copy(relayDest[:], relayBytes)

	encryptFn, err := rt.encryptFuncFor(req)
	if err != nil {
		return err
	}
	pkt := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderTypeType1,
			DestinationType: req.DestinationType,
			PacketType:      packet.PacketTypeData,
			PropagationType: packet.PropagationTransport,
		},
		Destination: relayDest,
		Payload:     req.Payload,
	}
	result := rt.Transport.Send(ctx, pkt, "", nil, encryptFn)
	return outcomeToErr(result.Outcome)
}

func (rt *Runtime) awaitReceipt(ctx context.Context, messageID string) error {
	<-ctx.Done()
	return ctx.Err()
}

// sendResourceControlEncoded encodes and transmits one resource control
// message to dest, routing over its owning link if tracked.
func (rt *Runtime) sendResourceControlEncoded(iface string, dest [16]byte, encode func() ([]byte, error)) {
	payload, err := encode()
	if err != nil {
		rt.Log.WithError(err).Debug("failed to encode resource control message")
		return
	}
	pkt := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderTypeType1,
			DestinationType: packet.DestinationLink,
			PacketType:      packet.PacketTypeResource,
		},
		Destination: dest,
		Payload:     payload,
	}
	var linkID *[16]byte
	if _, ok := rt.Links.Get(dest); ok {
		id := dest
		linkID = &id
	}
	rt.Transport.Send(context.Background(), pkt, iface, linkID, nil)
}

func (rt *Runtime) sendResourceRequest(iface string, dest [16]byte, in *resource.Inbound) {
	req := in.BuildRequest(resource.Window)
	in.MarkRequest(time.Now())
	rt.sendResourceControlEncoded(iface, dest, func() ([]byte, error) { return resource.EncodeRequest(req) })
}

func (rt *Runtime) completeInbound(iface string, dest [16]byte, in *resource.Inbound) {
	var decrypt func([]byte) ([]byte, error)
	if l, ok := rt.Links.Get(dest); ok {
		decrypt = l.Decrypt
	}
	payload, metadata, err := in.Assemble(decrypt)
	if err != nil {
		rt.Log.WithError(err).Debug("resource transfer failed integrity check")
		return
	}
	rt.Resources.CompleteInbound(in.ResourceHash, payload, metadata)
	proof := in.BuildProof(in.LastAssembledPlain())
	rt.sendResourceControlEncoded(iface, dest, func() ([]byte, error) { return resource.EncodeProof(proof) })
}

// handleResourcePacket drives the resource manager from a decoded
// Resource-context control packet (spec.md §4.5).
func (rt *Runtime) handleResourcePacket(iface string, pkt *packet.Packet) {
	kind, v, err := resource.DecodeControl(pkt.Payload)
	if err != nil {
		rt.Log.WithError(err).Debug("dropping malformed resource control packet")
		return
	}
	now := time.Now()
	dest := [16]byte(pkt.Destination)

	switch kind {
	case resource.ControlAdvertisement:
		adv := v.(resource.Advertisement)
		in, err := resource.NewInbound(adv, now)
		if err != nil {
			rt.Log.WithError(err).Debug("rejecting resource advertisement")
			return
		}
		rt.Resources.TrackInbound(in)
		rt.linkMu.Lock()
		rt.resourceLinks[adv.ResourceHash] = dest
		rt.linkMu.Unlock()
		rt.sendResourceRequest(iface, dest, in)

	case resource.ControlHashUpdate:
		u := v.(resource.HashUpdate)
		if in, ok := rt.Resources.Inbound(u.ResourceHash); ok {
			segLen := resource.HashmapMaxLen(defaultMDU)
			in.ApplyHashUpdate(u, segLen)
			rt.sendResourceRequest(iface, dest, in)
		}

	case resource.ControlRequest:
		req := v.(resource.Request)
		if ob, ok := rt.Resources.Outbound(req.ResourceHash); ok {
			segLen := resource.HashmapMaxLen(defaultMDU)
			replies, update := ob.HandleRequest(req, segLen)
			for _, reply := range replies {
				reply := reply
				rt.sendResourceControlEncoded(iface, dest, func() ([]byte, error) { return resource.EncodePartReply(reply) })
			}
			if update != nil {
				update := update
				rt.sendResourceControlEncoded(iface, dest, func() ([]byte, error) { return resource.EncodeHashUpdate(*update) })
			}
		}

	case resource.ControlPart:
		p := v.(resource.PartReply)
		if in, ok := rt.Resources.Inbound(p.ResourceHash); ok {
			complete := in.HandlePart(p.Data, now)
			parts, total := in.Progress()
			rt.Resources.PublishProgress(p.ResourceHash, parts, total)
			if complete {
				rt.completeInbound(iface, dest, in)
			} else {
				rt.sendResourceRequest(iface, dest, in)
			}
		}

	case resource.ControlProof:
		p := v.(resource.Proof)
		if ob, ok := rt.Resources.Outbound(p.ResourceHash); ok {
			if ob.HandleProof(p) {
				rt.Resources.CompleteOutbound(p.ResourceHash)
			}
		}
	}
}

// daemonHooks wires the RPC daemon's capability surface to the live
// transport/link/path-table/config state (spec.md §9 "the daemon never
// imports a concrete transport").
func (rt *Runtime) daemonHooks() rpcdaemon.Hooks {
	return rpcdaemon.Hooks{
		Deliver:          rt.deliverHook,
		ListPeers:        rt.listPeersHook,
		SyncPeer:         rt.syncPeerHook,
		Unpeer:           rt.unpeerHook,
		ListInterfaces:   rt.listInterfacesHook,
		SetInterface:     rt.setInterfaceHook,
		SetPropagation:   rt.setPropagationHook,
		PropagationState: rt.propagationStateHook,
		GenerateTicket:   rt.generateTicketHook,
		SetStampPolicy:   rt.setStampPolicyHook,
	}
}

func decodeDestinationHex(s string) ([16]byte, error) {
	var out [16]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != packet.DestinationSize {
		return out, fmt.Errorf("runtime: malformed destination %q", s)
	}
	copy(out[:], raw)
	return out, nil
}

func (rt *Runtime) deliverHook(ctx context.Context, p rpcdaemon.SendMessageParams) (string, error) {
	dest, err := decodeDestinationHex(p.Destination)
	if err != nil {
		return "", err
	}

	var destType packet.DestinationType
	switch p.DestinationType {
	case "", "single":
		destType = packet.DestinationSingle
	case "group":
		destType = packet.DestinationGroup
	case "plain":
		destType = packet.DestinationPlain
	default:
		return "", fmt.Errorf("runtime: unknown destination_type %q", p.DestinationType)
	}

	content, err := base64.StdEncoding.DecodeString(p.ContentBase64)
	if err != nil {
		return "", fmt.Errorf("runtime: malformed content_base64")
	}

	req := delivery.Request{
		PayloadSize:          len(content),
		TryPropagationOnFail: p.TryPropagationOnFail,
		RelayCandidates:      p.RelayCandidates,
		Destination:          dest,
		DestinationType:      destType,
		Payload:              content,
	}

	if entry, ok := rt.Paths.Lookup(dest); ok {
		id := entry.NextHop
		req.DestIdentity = &id
		req.HasLinkCandidate = true
	}
	if p.RatchetPublicHex != "" {
		raw, err := hex.DecodeString(p.RatchetPublicHex)
		if err != nil || len(raw) != 32 {
			return "", fmt.Errorf("runtime: malformed ratchet_public_hex")
		}
		var pub [32]byte
		copy(pub[:], raw)
		req.RatchetPub = &pub
	}
	if p.GroupKeyHex != "" {
		raw, err := hex.DecodeString(p.GroupKeyHex)
		if err != nil || len(raw) != 48 {
			return "", fmt.Errorf("runtime: malformed group_key_hex")
		}
		var keys xcrypto.FernetKeys
		copy(keys.SigningKey[:], raw[:16])
		copy(keys.EncryptionKey[:], raw[16:])
		req.GroupKey = &keys
	}

	return "", rt.Delivery.Deliver(ctx, req)
}

func (rt *Runtime) listPeersHook() []rpcdaemon.PeerInfo {
	rows := rt.Paths.List()
	peers := make([]rpcdaemon.PeerInfo, 0, len(rows))
	for _, row := range rows {
		peers = append(peers, rpcdaemon.PeerInfo{
			Destination:  hex.EncodeToString(row.Destination[:]),
			NextHopHex:   hex.EncodeToString(row.Entry.NextHop.Public[:]),
			Hops:         int(row.Entry.Hops),
			Interface:    row.Entry.Interface,
			ObservedUnix: row.Entry.Observed.Unix(),
		})
	}
	return peers
}

func (rt *Runtime) syncPeerHook(destinationHex string) error {
	dest, err := decodeDestinationHex(destinationHex)
	if err != nil {
		return err
	}
	entry, ok := rt.Paths.Lookup(dest)
	if !ok {
		return fmt.Errorf("runtime: no known path to %s", destinationHex)
	}
	rt.Paths.Upsert(dest, entry.NextHop, entry.Hops, entry.Interface, time.Now())
	return nil
}

func (rt *Runtime) unpeerHook(destinationHex string) error {
	dest, err := decodeDestinationHex(destinationHex)
	if err != nil {
		return err
	}
	rt.Paths.Invalidate(dest)
	rt.linkMu.Lock()
	delete(rt.linkByDest, dest)
	rt.linkMu.Unlock()
	return nil
}

func (rt *Runtime) listInterfacesHook() []rpcdaemon.InterfaceInfo {
	rt.cfgMu.Lock()
	defer rt.cfgMu.Unlock()
	out := make([]rpcdaemon.InterfaceInfo, 0, len(rt.Config.Interfaces))
	for _, ic := range rt.Config.Interfaces {
		out = append(out, rpcdaemon.InterfaceInfo{Name: ic.Name, Type: ic.Type, Host: ic.Host, Port: ic.Port})
	}
	return out
}

func (rt *Runtime) setInterfaceHook(info rpcdaemon.InterfaceInfo) error {
	ic := config.InterfaceConfig{Name: info.Name, Type: info.Type, Host: info.Host, Port: info.Port}
	iface, err := buildInterface(ic, rt.Log)
	if err != nil {
		return err
	}
	rt.Ifaces.Register(iface)
	rt.cfgMu.Lock()
	rt.Config.Interfaces = append(rt.Config.Interfaces, ic)
	rt.cfgMu.Unlock()
	return nil
}

func (rt *Runtime) propagationStateHook() (bool, string) {
	rt.cfgMu.Lock()
	defer rt.cfgMu.Unlock()
	return rt.Config.Propagation.Enabled, rt.Config.Propagation.SelectedRelay
}

func (rt *Runtime) setPropagationHook(enabled bool, relay string) error {
	rt.cfgMu.Lock()
	defer rt.cfgMu.Unlock()
	rt.Config.Propagation.Enabled = enabled
	rt.Config.Propagation.SelectedRelay = relay
	return nil
}

func (rt *Runtime) generateTicketHook(destinationHex string) (string, error) {
	dest, err := decodeDestinationHex(destinationHex)
	if err != nil {
		return "", err
	}
	var nonce [16]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	ticket := xcrypto.SHA256Concat(dest[:], nonce[:], rt.Identity.Public[:])
	return hex.EncodeToString(ticket[:]), nil
}

func (rt *Runtime) setStampPolicyHook(destinationHex string, costBits int) error {
	dest, err := decodeDestinationHex(destinationHex)
	if err != nil {
		return err
	}
	rt.stampMu.Lock()
	rt.stampPolicies[dest] = costBits
	rt.stampMu.Unlock()
	return nil
}

func buildInterface(ic config.InterfaceConfig, log *logrus.Logger) (ifacemgr.Interface, error) {
	switch ic.Type {
	case "tcp_client":
		return ifacemgr.NewTCPClientInterface(ic.Name, ic.Host, ic.Port, log)
	case "tcp_server":
		return ifacemgr.NewTCPServerInterface(ic.Name, ic.Host, ic.Port, log)
	case "udp":
		return ifacemgr.NewUDPInterface(ic.Name, ic.Host, ic.Port, nil)
	case "gossip":
		return ifacemgr.NewGossipInterface(ic.Name, fmt.Sprintf("%s:%d", ic.Host, ic.Port), ic.Name+"-topic", ic.Name+"-mdns", log)
	default:
		return nil, fmt.Errorf("runtime: unknown interface type %q", ic.Type)
	}
}

// identityFile is the on-disk JSON shape of a persisted private identity.
type identityFile struct {
	X25519Private string `json:"x25519_private"`
	Ed25519Seed   string `json:"ed25519_seed"`
}

func loadOrCreateIdentity(dir string) (*xcrypto.PrivateIdentity, error) {
	if dir == "" {
		return xcrypto.NewPrivateIdentity()
	}
	path := filepath.Join(dir, "identity.json")
	if data, err := os.ReadFile(path); err == nil {
		var f identityFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, utils.Wrap(err, "parse identity file")
		}
		x25519Raw, err := hex.DecodeString(f.X25519Private)
		if err != nil || len(x25519Raw) != 32 {
			return nil, fmt.Errorf("runtime: malformed x25519 private key in %s", path)
		}
		seed, err := hex.DecodeString(f.Ed25519Seed)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("runtime: malformed ed25519 seed in %s", path)
		}
		var x25519Priv [32]byte
		copy(x25519Priv[:], x25519Raw)
		signing := ed25519.NewKeyFromSeed(seed)
		return xcrypto.PrivateIdentityFromSeeds(x25519Priv, signing), nil
	}

	id, err := xcrypto.NewPrivateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, utils.Wrap(err, "create identity dir")
	}
	priv := id.X25519Private()
	f := identityFile{
		X25519Private: hex.EncodeToString(priv[:]),
		Ed25519Seed:   hex.EncodeToString(id.Ed25519Private().Seed()),
	}
	data, err := json.Marshal(&f)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, utils.Wrap(err, "write identity file")
	}
	return id, nil
}

func loadDomainSnapshot(st *store.Store, log *logrus.Logger) *domain.State {
	blob, ok, err := st.GetSDKDomainSnapshot()
	if err != nil {
		log.WithError(err).Warn("failed to read domain snapshot, starting fresh")
		return domain.NewState()
	}
	if !ok {
		return domain.NewState()
	}
	s, err := domain.LoadSnapshot(blob)
	if err != nil {
		log.WithError(err).Warn("failed to decode domain snapshot, starting fresh")
		return domain.NewState()
	}
	return s
}
