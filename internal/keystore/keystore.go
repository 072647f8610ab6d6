// Package keystore keeps an agent's Ed25519 private key on disk, encrypted
// with AES-256-GCM under an argon2id-derived key.
package keystore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/identity"
	"github.com/ssd-technologies/nondominium/internal/model"
)

const fileVersion = 1

type keyFile struct {
	Version    int               `json:"version"`
	Agent      model.AgentPubKey `json:"agent"`
	Salt       string            `json:"salt"`
	Nonce      string            `json:"nonce"`
	Ciphertext string            `json:"ciphertext"`
}

// Save encrypts the identity's private key into path.
func Save(path string, id *identity.Identity, passphrase string) error {
	ciphertext, salt, nonce, err := seal(id.PrivateKey(), passphrase)
	if err != nil {
		return fmt.Errorf("encrypt key: %w", err)
	}
	data, err := json.MarshalIndent(keyFile{
		Version:    fileVersion,
		Agent:      id.Agent(),
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Load decrypts the identity stored at path.
func Load(path string, passphrase string) (*identity.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}
	if kf.Version != fileVersion {
		return nil, fmt.Errorf("key file version %d not supported", kf.Version)
	}
	salt, err := hex.DecodeString(kf.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := hex.DecodeString(kf.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := hex.DecodeString(kf.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	priv, err := open(ciphertext, passphrase, salt, nonce)
	if err != nil {
		return nil, fault.ErrWrongPassphrase
	}
	id, err := identity.New(priv)
	if err != nil {
		return nil, err
	}
	if id.Agent() != kf.Agent {
		return nil, fmt.Errorf("key file agent %s does not match key", kf.Agent.Short())
	}
	return id, nil
}

// LoadOrGenerate loads the identity at path, or generates a new one and
// saves it if the file doesn't exist. created reports which happened.
func LoadOrGenerate(path string, passphrase string) (id *identity.Identity, created bool, err error) {
	if _, err := os.Stat(path); err == nil {
		id, err := Load(path, passphrase)
		return id, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("stat key file: %w", err)
	}

	id, err = identity.Generate()
	if err != nil {
		return nil, false, err
	}
	if err := Save(path, id, passphrase); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
