package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/textileio/auction-channel/channel"
)

// ErrNoKey indicates the signer holds no key for the requested role.
var ErrNoKey = errors.New("no key for role")

// KeySigner signs fingerprints with in-memory secp256k1 keys, one per role.
// A party typically holds only its own role key.
type KeySigner struct {
	keys map[channel.Role]*ecdsa.PrivateKey
}

var _ channel.Signer = (*KeySigner)(nil)

// New returns a KeySigner for the provided role keys.
func New(keys map[channel.Role]*ecdsa.PrivateKey) *KeySigner {
	ks := &KeySigner{keys: make(map[channel.Role]*ecdsa.PrivateKey, len(keys))}
	for r, k := range keys {
		if k != nil {
			ks.keys[r] = k
		}
	}
	return ks
}

// FromHex returns a KeySigner from hex-encoded private keys. Empty strings are skipped.
func FromHex(auctioneerKey, assistantKey string) (*KeySigner, error) {
	keys := make(map[channel.Role]*ecdsa.PrivateKey)
	for r, hk := range map[channel.Role]string{
		channel.RoleAuctioneer: auctioneerKey,
		channel.RoleAssistant:  assistantKey,
	} {
		if hk == "" {
			continue
		}
		k, err := crypto.HexToECDSA(strings.TrimPrefix(hk, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parsing %s private key: %v", r, err)
		}
		keys[r] = k
	}
	if len(keys) == 0 {
		return nil, errors.New("no keys provided")
	}
	return New(keys), nil
}

// Sign implements channel.Signer.
func (s *KeySigner) Sign(_ context.Context, fingerprint common.Hash, role channel.Role) ([]byte, error) {
	k, ok := s.keys[role]
	if !ok {
		return nil, fmt.Errorf("signing as %s: %w", role, ErrNoKey)
	}
	return channel.SignFingerprint(fingerprint, k)
}

// Address returns the address of the role key, if held.
func (s *KeySigner) Address(role channel.Role) (common.Address, bool) {
	k, ok := s.keys[role]
	if !ok {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(k.PublicKey), true
}

// Roles returns the roles this signer can sign for.
func (s *KeySigner) Roles() []channel.Role {
	var roles []channel.Role
	for _, r := range []channel.Role{channel.RoleAuctioneer, channel.RoleAssistant} {
		if _, ok := s.keys[r]; ok {
			roles = append(roles, r)
		}
	}
	return roles
}
