// Copyright (C) 2025 JobTrail <dev@jobtrail.app>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package crypto implements the stateless cryptographic primitives of the
// messaging core: P-256 key agreement, portable public-key encoding and
// AES-256-GCM authenticated encryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/jobtrail/e2ecore/models"
)

var (
	// ErrCryptoUnavailable means the underlying provider failed; retrying
	// with the same inputs cannot succeed.
	ErrCryptoUnavailable = errors.New("crypto provider unavailable")
	// ErrKeyExport means a public key could not be encoded or decoded.
	ErrKeyExport = errors.New("public key export failed")
	// ErrKeyAgreement means the key material is incompatible.
	ErrKeyAgreement = errors.New("key agreement failed")
	// ErrDecryption covers tag mismatch, truncated or corrupted ciphertext,
	// malformed encoding and wrong-length IVs. Decryption is all-or-nothing.
	ErrDecryption = errors.New("decryption failed")
)

const (
	// CurveID identifies the only curve this core speaks.
	CurveID = "P-256"
	// SecretBytes is the derived symmetric key length (AES-256).
	SecretBytes = 32
	// IVBytes is the GCM nonce length. 96 bits, fresh per encryption.
	IVBytes = 12

	coordBytes = 32
)

// hkdfInfo binds derived secrets to this protocol so the same ECDH output
// cannot be reused by another context.
var hkdfInfo = []byte("jobtrail/e2ecore shared secret v1")

// KeyPair is a session P-256 key pair. The private half lives only in
// process memory and is never persisted in plaintext.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateKeyPair returns a fresh P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// ExportPublicKey encodes a public key into its portable directory form.
func ExportPublicKey(pub *ecdh.PublicKey) (models.PortablePublicKey, error) {
	if pub == nil {
		return models.PortablePublicKey{}, fmt.Errorf("%w: nil key", ErrKeyExport)
	}
	raw := pub.Bytes()
	// Uncompressed point: 0x04 || X || Y.
	if len(raw) != 1+2*coordBytes || raw[0] != 0x04 {
		return models.PortablePublicKey{}, fmt.Errorf("%w: unexpected point encoding", ErrKeyExport)
	}
	return models.PortablePublicKey{
		Curve: CurveID,
		X:     base64.RawURLEncoding.EncodeToString(raw[1 : 1+coordBytes]),
		Y:     base64.RawURLEncoding.EncodeToString(raw[1+coordBytes:]),
	}, nil
}

// ImportPublicKey decodes a portable public key and validates that the
// point is on the curve.
func ImportPublicKey(pk models.PortablePublicKey) (*ecdh.PublicKey, error) {
	if pk.Curve != CurveID {
		return nil, fmt.Errorf("%w: unsupported curve %q", ErrKeyExport, pk.Curve)
	}
	x, err := base64.RawURLEncoding.DecodeString(pk.X)
	if err != nil {
		return nil, fmt.Errorf("%w: bad x coordinate: %v", ErrKeyExport, err)
	}
	y, err := base64.RawURLEncoding.DecodeString(pk.Y)
	if err != nil {
		return nil, fmt.Errorf("%w: bad y coordinate: %v", ErrKeyExport, err)
	}
	if len(x) != coordBytes || len(y) != coordBytes {
		return nil, fmt.Errorf("%w: coordinate length %d/%d", ErrKeyExport, len(x), len(y))
	}
	raw := make([]byte, 0, 1+2*coordBytes)
	raw = append(raw, 0x04)
	raw = append(raw, x...)
	raw = append(raw, y...)
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyExport, err)
	}
	return pub, nil
}

// DeriveSharedSecret runs ECDH and expands the result through HKDF-SHA256
// into an AES-256-GCM key. The operation is order-symmetric:
// DeriveSharedSecret(a.Private, b.Public) and
// DeriveSharedSecret(b.Private, a.Public) produce the same key.
func DeriveSharedSecret(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	if priv == nil || pub == nil {
		return nil, fmt.Errorf("%w: missing key material", ErrKeyAgreement)
	}
	z, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}
	defer Zero(z)

	secret := make([]byte, SecretBytes)
	if _, err := io.ReadFull(hkdf.New(sha256.New, z, nil, hkdfInfo), secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}
	return secret, nil
}

// Sealed is the output of one encryption: ciphertext (including the GCM
// tag) and the nonce it was sealed under.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
}

// EncryptMessage seals plaintext under secret with a fresh random IV.
// Encrypting the same plaintext twice yields different pairs.
func EncryptMessage(plaintext, secret []byte) (Sealed, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return Sealed{}, err
	}
	iv := make([]byte, IVBytes)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return Sealed{Ciphertext: aead.Seal(nil, iv, plaintext, nil), IV: iv}, nil
}

// DecryptMessage opens ciphertext sealed by EncryptMessage. Any corruption
// of ciphertext, IV or key yields ErrDecryption; a partial or wrong
// plaintext is never returned.
func DecryptMessage(ciphertext, iv, secret []byte) ([]byte, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: iv length %d", ErrDecryption, len(iv))
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

// GenerateSymmetricKey returns fresh random key bytes, independent of any
// pairwise secret. Used for group keys.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, SecretBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return key, nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newAEAD(secret []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return aead, nil
}
