// BuildNet is a distributed build orchestration engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// Signer holds an Ed25519 keypair used to sign ledger entries. Each node
// generates its own keypair on first boot and signs every entry it
// appends with its private key; peers verify against the node's public
// key.
type Signer struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NewSigner generates a fresh Ed25519 keypair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &Signer{public: pub, private: priv}, nil
}

// NewSignerFromSeed reconstructs a Signer from a previously persisted
// 32-byte seed, so a node's identity survives restarts.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// Seed returns the 32-byte seed backing this Signer's keys, for
// persistence across restarts.
func (s *Signer) Seed() []byte {
	return s.private.Seed()
}

// PublicKey returns the public key bytes other nodes use to verify this
// node's signatures.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.public
}

// Sign produces a detached signature over digest (typically a SHA-256
// ledger entry hash).
func (s *Signer) Sign(digest []byte) []byte {
	return ed25519.Sign(s.private, digest)
}

// Verify checks a signature over digest against the given public key.
func Verify(publicKey ed25519.PublicKey, digest, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, digest, signature)
}

// errInvalidPublicKey is returned by helpers that parse externally
// supplied public key material.
var errInvalidPublicKey = errors.New("crypto: invalid ed25519 public key length")

// ParsePublicKey validates and returns raw bytes as an ed25519.PublicKey.
func ParsePublicKey(raw []byte) (ed25519.PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, errInvalidPublicKey
	}
	return ed25519.PublicKey(raw), nil
}
