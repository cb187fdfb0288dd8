package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshrund/internal/ifacemgr"
	"meshrund/internal/link"
	"meshrund/internal/packet"
	"meshrund/internal/pathtable"
	"meshrund/internal/transport"
	"meshrund/internal/xcrypto"
)

func newPipeline(t *testing.T, maxDigest int) (*transport.Pipeline, *ifacemgr.Manager) {
	t.Helper()
	ifaces := ifacemgr.NewManager(nil)
	cache := packet.NewCache(64, time.Minute)
	paths := pathtable.New(0)
	links := link.NewTable()
	return transport.New(cache, paths, links, ifaces, maxDigest), ifaces
}

func samplePacket(dest [16]byte) *packet.Packet {
	return &packet.Packet{
		Header:      packet.Header{PacketType: packet.PacketTypeData, DestinationType: packet.DestinationSingle},
		Destination: dest,
		Payload:     []byte("payload"),
	}
}

func TestSendDropsLoopOnRepeatedHash(t *testing.T) {
	p, _ := newPipeline(t, 0)
	pkt := samplePacket([16]byte{1})

	first := p.Send(context.Background(), pkt, "origin", nil, nil)
	if first.Outcome != transport.DroppedNoRoute {
		t.Fatalf("expected first send with no route to report DroppedNoRoute, got %s", first.Outcome)
	}

	second := p.Send(context.Background(), samplePacket([16]byte{1}), "origin", nil, nil)
	if second.Outcome != transport.DroppedLoop {
		t.Fatalf("expected repeated packet hash to be dropped as a loop, got %s", second.Outcome)
	}
}

func TestSendBroadcastsWhenNoRouteKnown(t *testing.T) {
	p, ifaces := newPipeline(t, 0)
	iface, err := ifacemgr.NewUDPInterface("udp0", "127.0.0.1", 0, nil)
	if err != nil {
		t.Fatalf("new udp interface: %v", err)
	}
	ifaces.Register(iface)
	defer ifaces.Close()

	result := p.Send(context.Background(), samplePacket([16]byte{2}), "", nil, nil)
	if result.Outcome != transport.SentBroadcast {
		t.Fatalf("expected broadcast fallback, got %s", result.Outcome)
	}
}

func TestSendEncryptFailureDrops(t *testing.T) {
	p, _ := newPipeline(t, 0)
	boom := errors.New("boom")
	result := p.Send(context.Background(), samplePacket([16]byte{3}), "", nil, func([]byte) ([]byte, error) {
		return nil, boom
	})
	if result.Outcome != transport.DroppedEncryptFailed {
		t.Fatalf("expected DroppedEncryptFailed, got %s", result.Outcome)
	}
}

func TestSendCiphertextTooLargeDrops(t *testing.T) {
	p, _ := newPipeline(t, 4)
	result := p.Send(context.Background(), samplePacket([16]byte{4}), "", nil, transport.PlainPassthrough)
	if result.Outcome != transport.DroppedCiphertextTooLarge {
		t.Fatalf("expected DroppedCiphertextTooLarge, got %s", result.Outcome)
	}
}

func TestSendMissingLinkDrops(t *testing.T) {
	p, _ := newPipeline(t, 0)
	var linkID [16]byte = [16]byte{9}
	result := p.Send(context.Background(), samplePacket([16]byte{9}), "", &linkID, nil)
	if result.Outcome != transport.DroppedNoRoute {
		t.Fatalf("expected DroppedNoRoute for an untracked link id, got %s", result.Outcome)
	}
}

func TestSingleDestinationEncryptProducesDecryptableCiphertext(t *testing.T) {
	destPriv, err := xcrypto.GenerateX25519Private()
	if err != nil {
		t.Fatalf("generate dest private: %v", err)
	}
	destPub := xcrypto.X25519PublicFromPrivate(destPriv)
	destIdentity := xcrypto.Identity{Public: destPub}

	encryptFn, err := transport.SingleDestinationEncrypt(destIdentity, nil)
	if err != nil {
		t.Fatalf("build encrypt func: %v", err)
	}
	ciphertext, err := encryptFn([]byte("plaintext"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(ciphertext) < 32 {
		t.Fatalf("expected ciphertext to carry a 32-byte ephemeral public prefix, got %d bytes", len(ciphertext))
	}

	ephemeralPub := ciphertext[:32]
	var ephemeralPubArr [32]byte
	copy(ephemeralPubArr[:], ephemeralPub)
	shared, err := xcrypto.ECDH(destPriv, ephemeralPubArr)
	if err != nil {
		t.Fatalf("ecdh: %v", err)
	}
	keys, err := xcrypto.DeriveFernetKeys(shared)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	plain, err := xcrypto.AEADDecrypt(keys, ciphertext[32:])
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != "plaintext" {
		t.Fatalf("got %q want %q", plain, "plaintext")
	}
}
