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

import "testing"

func TestSignerSignAndVerify(t *testing.T) {
	signer, err := NewSigner()
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	digest := []byte("entry digest bytes")
	sig := signer.Sign(digest)

	if !Verify(signer.PublicKey(), digest, sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(signer.PublicKey(), []byte("tampered digest"), sig) {
		t.Fatalf("expected signature over different digest to fail")
	}
}

func TestSignerFromSeedRoundTrip(t *testing.T) {
	original, err := NewSigner()
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	seed := original.Seed()

	restored, err := NewSignerFromSeed(seed)
	if err != nil {
		t.Fatalf("NewSignerFromSeed: %v", err)
	}

	digest := []byte("digest")
	sig := original.Sign(digest)
	if !Verify(restored.PublicKey(), digest, sig) {
		t.Fatalf("expected restored signer to share public key with original")
	}
}

func TestParsePublicKeyRejectsWrongLength(t *testing.T) {
	if _, err := ParsePublicKey([]byte("too short")); err == nil {
		t.Fatalf("expected error for invalid public key length")
	}
}
