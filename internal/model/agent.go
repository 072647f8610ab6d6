package model

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// AgentPubKey identifies an agent: the lowercase hex of its Ed25519 public
// key. Every agent owns exactly one chain.
type AgentPubKey string

// AgentFromPublicKey converts an Ed25519 public key.
func AgentFromPublicKey(pub ed25519.PublicKey) AgentPubKey {
	return AgentPubKey(hex.EncodeToString(pub))
}

// PublicKey decodes the agent key.
func (a AgentPubKey) PublicKey() (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(string(a))
	if err != nil {
		return nil, fmt.Errorf("decode agent key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode agent key: expected %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// Valid reports whether a decodes to an Ed25519 public key.
func (a AgentPubKey) Valid() bool {
	_, err := a.PublicKey()
	return err == nil
}

// Short returns the first 8 bytes of the key in hex, the same short form
// used for agent ids in request headers.
func (a AgentPubKey) Short() string {
	if len(a) < 16 {
		return string(a)
	}
	return string(a[:16])
}

// Anchor is the base address under which links about this agent live.
func (a AgentPubKey) Anchor() Hash {
	return HashBytes([]byte("agent:" + string(a)))
}

// Signature is a detached Ed25519 signature.
type Signature []byte

// Verify checks sig over payload against the agent's key.
func (a AgentPubKey) Verify(payload []byte, sig Signature) bool {
	pub, err := a.PublicKey()
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}
