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

package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobtrail/e2ecore/models"
)

func TestRoundTrip(t *testing.T) {
	secret, err := GenerateSymmetricKey()
	require.NoError(t, err)

	plaintexts := []string{
		"",
		"Hello Bob!",
		"数ヶ月後に東京で面接があります 🗼",
		string(bytes.Repeat([]byte{0x00, 0xff}, 4096)),
	}
	for _, p := range plaintexts {
		sealed, err := EncryptMessage([]byte(p), secret)
		require.NoError(t, err)
		require.Len(t, sealed.IV, IVBytes)

		got, err := DecryptMessage(sealed.Ciphertext, sealed.IV, secret)
		require.NoError(t, err)
		assert.Equal(t, p, string(got))
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	secret, err := GenerateSymmetricKey()
	require.NoError(t, err)

	a, err := EncryptMessage([]byte("same plaintext"), secret)
	require.NoError(t, err)
	b, err := EncryptMessage([]byte("same plaintext"), secret)
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestSharedSecretSymmetry(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := DeriveSharedSecret(alice.Private, bob.Public)
	require.NoError(t, err)
	ba, err := DeriveSharedSecret(bob.Private, alice.Public)
	require.NoError(t, err)

	require.Equal(t, ab, ba)

	// Encrypt under one derivation, decrypt under the other.
	sealed, err := EncryptMessage([]byte("Hello Bob!"), ab)
	require.NoError(t, err)
	got, err := DecryptMessage(sealed.Ciphertext, sealed.IV, ba)
	require.NoError(t, err)
	assert.Equal(t, "Hello Bob!", string(got))
}

func TestTamperDetection(t *testing.T) {
	secret, err := GenerateSymmetricKey()
	require.NoError(t, err)
	sealed, err := EncryptMessage([]byte("tamper target"), secret)
	require.NoError(t, err)

	for i := range sealed.Ciphertext {
		corrupted := append([]byte(nil), sealed.Ciphertext...)
		corrupted[i] ^= 0x01
		_, err := DecryptMessage(corrupted, sealed.IV, secret)
		assert.ErrorIs(t, err, ErrDecryption, "ciphertext byte %d", i)
	}

	for i := range sealed.IV {
		corrupted := append([]byte(nil), sealed.IV...)
		corrupted[i] ^= 0x01
		_, err := DecryptMessage(sealed.Ciphertext, corrupted, secret)
		assert.ErrorIs(t, err, ErrDecryption, "iv byte %d", i)
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	secret, err := GenerateSymmetricKey()
	require.NoError(t, err)
	sealed, err := EncryptMessage([]byte("payload"), secret)
	require.NoError(t, err)

	_, err = DecryptMessage(sealed.Ciphertext[:4], sealed.IV, secret)
	assert.ErrorIs(t, err, ErrDecryption, "truncated ciphertext")

	_, err = DecryptMessage(sealed.Ciphertext, sealed.IV[:8], secret)
	assert.ErrorIs(t, err, ErrDecryption, "short iv")

	_, err = DecryptMessage(nil, sealed.IV, secret)
	assert.ErrorIs(t, err, ErrDecryption, "nil ciphertext")

	other, err := GenerateSymmetricKey()
	require.NoError(t, err)
	_, err = DecryptMessage(sealed.Ciphertext, sealed.IV, other)
	assert.ErrorIs(t, err, ErrDecryption, "wrong key")
}

func TestExportImportPublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	portable, err := ExportPublicKey(kp.Public)
	require.NoError(t, err)
	assert.Equal(t, CurveID, portable.Curve)

	pub, err := ImportPublicKey(portable)
	require.NoError(t, err)
	assert.True(t, pub.Equal(kp.Public))
}

func TestImportPublicKeyErrors(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	good, err := ExportPublicKey(kp.Public)
	require.NoError(t, err)

	cases := map[string]models.PortablePublicKey{
		"wrong curve": {Curve: "P-384", X: good.X, Y: good.Y},
		"bad base64":  {Curve: CurveID, X: "not base64!!", Y: good.Y},
		"short x":     {Curve: CurveID, X: "AAAA", Y: good.Y},
		"off curve":   {Curve: CurveID, X: good.Y, Y: good.X},
		"empty":       {},
	}
	for name, pk := range cases {
		_, err := ImportPublicKey(pk)
		assert.ErrorIs(t, err, ErrKeyExport, name)
	}
}

func TestExportPublicKeyNil(t *testing.T) {
	_, err := ExportPublicKey(nil)
	assert.ErrorIs(t, err, ErrKeyExport)
}
