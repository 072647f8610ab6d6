// Package identity holds an agent's Ed25519 key and the signing primitives
// built on it: detached signatures over payloads and signed HTTP requests
// between peers.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/model"
)

// Identity is an agent's keypair.
type Identity struct {
	agent model.AgentPubKey
	priv  ed25519.PrivateKey
}

// New wraps an existing private key.
func New(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: %w", fault.ErrKeyLength)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{agent: model.AgentFromPublicKey(pub), priv: priv}, nil
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return New(priv)
}

// Agent is the caller's own identity.
func (id *Identity) Agent() model.AgentPubKey {
	return id.agent
}

// PrivateKey exposes the key for persistence.
func (id *Identity) PrivateKey() ed25519.PrivateKey {
	return id.priv
}

// Sign produces a detached signature over payload.
func (id *Identity) Sign(payload []byte) model.Signature {
	return ed25519.Sign(id.priv, payload)
}

// Verify checks sig over payload against agent.
func Verify(agent model.AgentPubKey, payload []byte, sig model.Signature) bool {
	return agent.Verify(payload, sig)
}
