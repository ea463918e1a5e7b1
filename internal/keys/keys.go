// Package keys holds the local signing identities of this device.
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrNoHousehold = errors.New("no household identity configured")
	ErrInvalidKey  = errors.New("invalid secret key")
)

// Identity is a secp256k1 signing keypair in hex.
type Identity struct {
	SecretKey string
	PublicKey string
}

// Provider supplies local signing identities. Secret keys never leave the
// device: they are only handed to in-process signing and decryption code.
type Provider interface {
	// Household returns the household identity, if configured.
	Household() (Identity, bool)
	// Delegated returns additional identities, in a stable order.
	Delegated() []Identity
}

// FromSecret derives an Identity from a hex secret key.
func FromSecret(sk string) (Identity, error) {
	sk = strings.TrimSpace(sk)
	if b, err := hex.DecodeString(sk); err != nil || len(b) != 32 {
		return Identity{}, fmt.Errorf("%w: expected 64 hex characters", ErrInvalidKey)
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return Identity{SecretKey: sk, PublicKey: pk}, nil
}

// Generate creates a fresh identity.
func Generate() Identity {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	return Identity{SecretKey: sk, PublicKey: pk}
}

// Keyring is an in-memory Provider.
type Keyring struct {
	mu        sync.RWMutex
	household *Identity
	delegated []Identity
}

// NewKeyring builds a keyring from hex secrets. household may be empty.
func NewKeyring(household string, delegated ...string) (*Keyring, error) {
	k := &Keyring{}
	if household != "" {
		id, err := FromSecret(household)
		if err != nil {
			return nil, fmt.Errorf("household key: %w", err)
		}
		k.household = &id
	}
	for i, sk := range delegated {
		if strings.TrimSpace(sk) == "" {
			continue
		}
		id, err := FromSecret(sk)
		if err != nil {
			return nil, fmt.Errorf("delegated key %d: %w", i, err)
		}
		k.delegated = append(k.delegated, id)
	}
	return k, nil
}

func (k *Keyring) Household() (Identity, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.household == nil {
		return Identity{}, false
	}
	return *k.household, true
}

func (k *Keyring) Delegated() []Identity {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]Identity(nil), k.delegated...)
}

// AddDelegated appends an identity unless its public key is already present.
func (k *Keyring) AddDelegated(id Identity) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.household != nil && k.household.PublicKey == id.PublicKey {
		return
	}
	for _, d := range k.delegated {
		if d.PublicKey == id.PublicKey {
			return
		}
	}
	k.delegated = append(k.delegated, id)
}

// Candidates returns the household identity followed by every delegated one.
func Candidates(p Provider) []Identity {
	var out []Identity
	if h, ok := p.Household(); ok {
		out = append(out, h)
	}
	return append(out, p.Delegated()...)
}

// PublicKeys returns the public keys of Candidates(p).
func PublicKeys(p Provider) []string {
	ids := Candidates(p)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.PublicKey)
	}
	return out
}

// Signer returns the household identity or ErrNoHousehold.
func Signer(p Provider) (Identity, error) {
	h, ok := p.Household()
	if !ok {
		return Identity{}, ErrNoHousehold
	}
	return h, nil
}
