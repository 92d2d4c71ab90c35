package runtime

import (
	"crypto/ed25519"
	"testing"

	schnorrkel "github.com/ChainSafe/go-schnorrkel"
	"github.com/crytic/medusa-geth/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crytic/subfork/chain/types"
)

func TestMagicSignature(t *testing.T) {
	sig := MagicSignature(64)
	assert.Len(t, sig, 64)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef, 0xcd}, sig[:5])
	assert.True(t, IsMagicSignature(sig))

	sig[10] = 0
	assert.False(t, IsMagicSignature(sig))
	assert.False(t, IsMagicSignature([]byte{0xde, 0xad}))

	assert.True(t, SignatureMockMagic.mocked(MagicSignature(65)))
	assert.False(t, SignatureMockNone.mocked(MagicSignature(65)))
	assert.True(t, SignatureMockAlwaysValid.mocked([]byte{1, 2, 3}))
}

func TestVerifyEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	msg := []byte("transfer 10 units")
	sig := ed25519.Sign(priv, msg)

	assert.True(t, VerifyEd25519(sig, msg, pub))
	assert.False(t, VerifyEd25519(sig, []byte("transfer 11 units"), pub))
	assert.False(t, VerifyEd25519(sig[:63], msg, pub))
}

func TestVerifySr25519(t *testing.T) {
	secret, public, err := schnorrkel.GenerateKeypair()
	require.NoError(t, err)
	msg := []byte("remark")
	sig, err := secret.Sign(schnorrkel.NewSigningContext(sr25519SigningContext, msg))
	require.NoError(t, err)

	sigBytes := sig.Encode()
	pubBytes := public.Encode()
	assert.True(t, VerifySr25519(sigBytes[:], msg, pubBytes[:]))
	assert.False(t, VerifySr25519(sigBytes[:], []byte("other"), pubBytes[:]))
	assert.False(t, VerifySr25519(MagicSignature(64), msg, pubBytes[:]))
}

func TestVerifyAndRecoverEcdsa(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	msg := []byte("ecdsa message")
	hash := types.Blake2_256(msg)
	sig, err := crypto.Sign(hash[:], key)
	require.NoError(t, err)
	compressed := crypto.CompressPubkey(&key.PublicKey)

	assert.True(t, VerifyEcdsa(sig, msg, compressed))
	assert.True(t, VerifyEcdsaPrehashed(sig, hash[:], compressed))
	assert.False(t, VerifyEcdsa(sig, []byte("other"), compressed))

	// Recovery ids in the 27/28 form are accepted too.
	legacy := append([]byte(nil), sig...)
	legacy[64] += 27
	assert.True(t, VerifyEcdsa(legacy, msg, compressed))

	pub, err := RecoverSecp256k1(sig, hash[:], false)
	require.NoError(t, err)
	assert.Equal(t, crypto.FromECDSAPub(&key.PublicKey)[1:], pub)

	pub, err = RecoverSecp256k1(sig, hash[:], true)
	require.NoError(t, err)
	assert.Equal(t, compressed, pub)

	bad := append([]byte(nil), sig...)
	bad[64] = 9
	_, err = RecoverSecp256k1(bad, hash[:], false)
	assert.ErrorIs(t, err, EcdsaBadV)
	_, err = RecoverSecp256k1(sig[:64], hash[:], false)
	assert.ErrorIs(t, err, EcdsaBadSignature)
}
