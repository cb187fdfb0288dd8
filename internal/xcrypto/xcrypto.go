// Package xcrypto is the opaque crypto collaborator spec.md §1 treats as an
// external dependency: x25519 ECDH, ed25519 signatures, SHA-256, and a
// Fernet-style authenticated encryption scheme. No component outside this
// package reaches for a raw crypto/* primitive directly.
package xcrypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrDecryptFailed is returned when AEAD authentication fails.
var ErrDecryptFailed = errors.New("xcrypto: decryption failed")

// Identity is the public half of an endpoint identity (spec.md §3).
type Identity struct {
	Public [32]byte          // x25519 static public key
	Verify ed25519.PublicKey // ed25519 verifying key
}

// PrivateIdentity additionally owns the matching private keys.
type PrivateIdentity struct {
	Identity
	private [32]byte // x25519 static private key
	signing ed25519.PrivateKey
}

// NewPrivateIdentity generates a fresh identity.
func NewPrivateIdentity() (*PrivateIdentity, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, err
	}
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	vpub, vpriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateIdentity{
		Identity: Identity{Public: pub, Verify: vpub},
		private:  priv,
		signing:  vpriv,
	}, nil
}

// PrivateIdentityFromSeeds reconstructs a private identity from stored key
// material (e.g. loaded from disk).
func PrivateIdentityFromSeeds(x25519Priv [32]byte, ed25519Priv ed25519.PrivateKey) *PrivateIdentity {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &x25519Priv)
	return &PrivateIdentity{
		Identity: Identity{Public: pub, Verify: ed25519Priv.Public().(ed25519.PublicKey)},
		private:  x25519Priv,
		signing:  ed25519Priv,
	}
}

// X25519Private exposes the raw private scalar, e.g. for ratchet persistence.
func (p *PrivateIdentity) X25519Private() [32]byte { return p.private }

// Ed25519Private exposes the raw signing key, e.g. for ratchet persistence.
func (p *PrivateIdentity) Ed25519Private() ed25519.PrivateKey { return p.signing }

// Sign signs data with the identity's ed25519 key.
func (p *PrivateIdentity) Sign(data []byte) []byte {
	return ed25519.Sign(p.signing, data)
}

// Verify checks an ed25519 signature against an identity's verifying key.
func Verify(verify ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(verify, data, sig)
}

// ECDH computes the x25519 shared secret between a private scalar and a
// peer's public key.
func ECDH(priv [32]byte, peerPub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, err
	}
	return shared, nil
}

// GenerateX25519Private generates a fresh rotating ratchet private key
// (spec.md §4.2).
func GenerateX25519Private() ([32]byte, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, err
	}
	return priv, nil
}

// X25519PublicFromPrivate derives the public key for a private scalar.
func X25519PublicFromPrivate(priv [32]byte) [32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}

// FernetKeys are the two independent halves derived from an ECDH shared
// secret: a signing key (HMAC authentication, retained for wire parity with
// the documented Fernet token shape) and an encryption key.
type FernetKeys struct {
	SigningKey    [16]byte
	EncryptionKey [32]byte
}

// DeriveFernetKeys expands an ECDH shared secret into independent signing and
// encryption halves via HKDF-SHA256.
func DeriveFernetKeys(shared []byte) (FernetKeys, error) {
	var keys FernetKeys
	h := hkdf.New(sha256.New, shared, nil, []byte("meshrund-fernet-v1"))
	if _, err := io.ReadFull(h, keys.SigningKey[:]); err != nil {
		return keys, err
	}
	if _, err := io.ReadFull(h, keys.EncryptionKey[:]); err != nil {
		return keys, err
	}
	return keys, nil
}

// AEADEncrypt authenticates and encrypts plaintext under the derived
// encryption key, prefixing a random 12-byte nonce.
func AEADEncrypt(keys FernetKeys, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(keys.EncryptionKey[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := aead.Seal(nonce, nonce, plaintext, nil)
	return out, nil
}

// AEADDecrypt reverses AEADEncrypt.
func AEADDecrypt(keys FernetKeys, token []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(keys.EncryptionKey[:])
	if err != nil {
		return nil, err
	}
	if len(token) < aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, ciphertext := token[:aead.NonceSize()], token[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// SHA256 hashes data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SHA256Concat hashes the concatenation of every part, avoiding an
// intermediate []byte allocation for the common multi-part cases in the
// packet and resource codecs.
func SHA256Concat(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SHA256Prefix hashes data and returns the first n bytes of the digest.
func SHA256Prefix(data []byte, n int) []byte {
	sum := sha256.Sum256(data)
	if n > len(sum) {
		n = len(sum)
	}
	out := make([]byte, n)
	copy(out, sum[:n])
	return out
}

// ConstantTimeEqual compares two byte slices without leaking timing, used
// for signature/MAC comparisons outside ed25519.Verify's own constant-time
// path (e.g. the RPC token HMAC in internal/rpcdaemon).
func ConstantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// HMACSHA256Hex computes hex(HMAC-SHA256(secret, message)) for the RPC
// bearer-token signature (spec.md §4.8).
func HMACSHA256Hex(secret []byte, message string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return hex(mac.Sum(nil))
}

const hexDigits = "0123456789abcdef"

func hex(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0xf]
	}
	return string(out)
}
