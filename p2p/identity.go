package p2p

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Identity is the persistent secp256k1 key a node signs its handshake with.
// NodeID is the lower-case hex address derived from the public key and doubles
// as the poster identifier on intents.
type Identity struct {
	PrivateKey *ecdsa.PrivateKey
	NodeID     string
}

type identityDisk struct {
	PrivateKey string `json:"privateKey"`
}

// NewIdentity generates an ephemeral identity.
func NewIdentity() (*Identity, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &Identity{PrivateKey: key, NodeID: NodeIDFromPub(&key.PublicKey)}, nil
}

// LoadOrCreateIdentity reads the key stored at path, generating and persisting
// a new one when the file does not exist.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("identity path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return decodeIdentity(data)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	id, err := NewIdentity()
	if err != nil {
		return nil, err
	}
	payload, err := json.MarshalIndent(identityDisk{PrivateKey: hex.EncodeToString(ethcrypto.FromECDSA(id.PrivateKey))}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return id, nil
}

func decodeIdentity(data []byte) (*Identity, error) {
	var stored identityDisk
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode identity JSON: %w", err)
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(stored.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return &Identity{PrivateKey: key, NodeID: NodeIDFromPub(&key.PublicKey)}, nil
}

// NodeIDFromPub derives the node identifier for pub.
func NodeIDFromPub(pub *ecdsa.PublicKey) string {
	if pub == nil {
		return ""
	}
	return strings.ToLower(ethcrypto.PubkeyToAddress(*pub).Hex())
}
