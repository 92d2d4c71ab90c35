package runtime

import (
	"bytes"
	"crypto/ed25519"

	schnorrkel "github.com/ChainSafe/go-schnorrkel"
	"github.com/crytic/medusa-geth/crypto"

	"github.com/crytic/subfork/chain/types"
)

// magicSignaturePrefix starts every signature accepted by SignatureMockMagic. The rest of the signature is filled
// with magicSignaturePadding.
var magicSignaturePrefix = []byte{0xde, 0xad, 0xbe, 0xef}

const magicSignaturePadding byte = 0xcd

// sr25519SigningContext is the context every Substrate sr25519 signature is made in.
var sr25519SigningContext = []byte("substrate")

const (
	sr25519PublicKeySize = 32
	sr25519SignatureSize = 64
)

// MagicSignature returns a signature of the given length that SignatureMockMagic accepts for any message and key.
func MagicSignature(length int) []byte {
	sig := bytes.Repeat([]byte{magicSignaturePadding}, length)
	copy(sig, magicSignaturePrefix)
	return sig
}

// IsMagicSignature reports whether sig is a magic signature.
func IsMagicSignature(sig []byte) bool {
	if len(sig) < len(magicSignaturePrefix) || !bytes.HasPrefix(sig, magicSignaturePrefix) {
		return false
	}
	for _, b := range sig[len(magicSignaturePrefix):] {
		if b != magicSignaturePadding {
			return false
		}
	}
	return true
}

// mocked reports whether the configured mock mode accepts sig without verification.
func (m SignatureMockMode) mocked(sig []byte) bool {
	switch m {
	case SignatureMockAlwaysValid:
		return true
	case SignatureMockMagic:
		return IsMagicSignature(sig)
	}
	return false
}

// VerifyEd25519 checks an ed25519 signature.
func VerifyEd25519(sig, msg, pub []byte) bool {
	if len(sig) != ed25519.SignatureSize || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// VerifySr25519 checks an sr25519 signature made in the substrate signing context.
func VerifySr25519(sig, msg, pub []byte) bool {
	if len(sig) != sr25519SignatureSize || len(pub) != sr25519PublicKeySize {
		return false
	}
	var pubBytes [sr25519PublicKeySize]byte
	copy(pubBytes[:], pub)
	pk := &schnorrkel.PublicKey{}
	if err := pk.Decode(pubBytes); err != nil {
		return false
	}
	var sigBytes [sr25519SignatureSize]byte
	copy(sigBytes[:], sig)
	s := &schnorrkel.Signature{}
	if err := s.Decode(sigBytes); err != nil {
		return false
	}
	ok, err := pk.Verify(s, schnorrkel.NewSigningContext(sr25519SigningContext, msg))
	return err == nil && ok
}

// normalizeRecoveryID converts the trailing recovery byte of a 65 byte signature to the 0..3 range.
func normalizeRecoveryID(sig []byte) ([]byte, bool) {
	if len(sig) != 65 {
		return nil, false
	}
	out := bytes.Clone(sig)
	if out[64] >= 27 {
		out[64] -= 27
	}
	return out, out[64] <= 3
}

// VerifyEcdsaPrehashed checks a secp256k1 signature over a 32 byte message hash against a compressed public key.
func VerifyEcdsaPrehashed(sig []byte, hash []byte, pub []byte) bool {
	normalized, ok := normalizeRecoveryID(sig)
	if !ok || len(hash) != 32 || len(pub) != 33 {
		return false
	}
	recovered, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return false
	}
	return bytes.Equal(crypto.CompressPubkey(recovered), pub)
}

// VerifyEcdsa checks a secp256k1 signature over blake2_256(msg) against a compressed public key.
func VerifyEcdsa(sig []byte, msg []byte, pub []byte) bool {
	hash := types.Blake2_256(msg)
	return VerifyEcdsaPrehashed(sig, hash[:], pub)
}

// EcdsaVerifyError mirrors the error returned by the secp256k1 recovery host functions.
type EcdsaVerifyError byte

const (
	EcdsaBadRS EcdsaVerifyError = iota
	EcdsaBadV
	EcdsaBadSignature
)

// RecoverSecp256k1 recovers the public key that produced sig over hash. The key is returned uncompressed without the
// leading 0x04 byte, or compressed to 33 bytes.
func RecoverSecp256k1(sig []byte, hash []byte, compressed bool) ([]byte, error) {
	normalized, ok := normalizeRecoveryID(sig)
	if len(sig) != 65 {
		return nil, EcdsaBadSignature
	}
	if !ok {
		return nil, EcdsaBadV
	}
	if len(hash) != 32 {
		return nil, EcdsaBadSignature
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return nil, EcdsaBadRS
	}
	if compressed {
		return crypto.CompressPubkey(pub), nil
	}
	return crypto.FromECDSAPub(pub)[1:], nil
}

// Error implements the error interface.
func (e EcdsaVerifyError) Error() string {
	switch e {
	case EcdsaBadRS:
		return "bad r/s values"
	case EcdsaBadV:
		return "bad recovery id"
	default:
		return "bad signature"
	}
}
