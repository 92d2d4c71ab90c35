package runtime

import (
	"context"
	"crypto/sha256"
	"errors"

	"github.com/tetratelabs/wazero/api"

	"github.com/crytic/subfork/chain/trie"
	"github.com/crytic/subfork/chain/types"
)

func init() {
	register(map[string]hostFunc{
		"ext_hashing_keccak_256_version_1": fn(hashFunc(keccak256), params(i64), i32),
		"ext_hashing_keccak_512_version_1": fn(hashFunc(types.Keccak512), params(i64), i32),
		"ext_hashing_sha2_256_version_1":   fn(hashFunc(sha2_256), params(i64), i32),
		"ext_hashing_blake2_128_version_1": fn(hashFunc(types.Blake2_128), params(i64), i32),
		"ext_hashing_blake2_256_version_1": fn(hashFunc(blake2_256), params(i64), i32),
		"ext_hashing_twox_64_version_1":    fn(hashFunc(types.Twox64), params(i64), i32),
		"ext_hashing_twox_128_version_1":   fn(hashFunc(types.Twox128), params(i64), i32),
		"ext_hashing_twox_256_version_1":   fn(hashFunc(types.Twox256), params(i64), i32),

		"ext_crypto_ed25519_public_keys_version_1":  fn(extPublicKeys, params(i32), i64),
		"ext_crypto_ed25519_generate_version_1":     fn(extGenerate, params(i32, i64), i32),
		"ext_crypto_ed25519_sign_version_1":         fn(extSign, params(i32, i32, i64), i64),
		"ext_crypto_ed25519_verify_version_1":       fn(extEd25519Verify, params(i32, i64, i32), i32),
		"ext_crypto_ed25519_batch_verify_version_1": fn(extEd25519Verify, params(i32, i64, i32), i32),
		"ext_crypto_sr25519_public_keys_version_1":  fn(extPublicKeys, params(i32), i64),
		"ext_crypto_sr25519_generate_version_1":     fn(extGenerate, params(i32, i64), i32),
		"ext_crypto_sr25519_sign_version_1":         fn(extSign, params(i32, i32, i64), i64),
		"ext_crypto_sr25519_verify_version_1":       fn(extSr25519Verify, params(i32, i64, i32), i32),
		"ext_crypto_sr25519_verify_version_2":       fn(extSr25519Verify, params(i32, i64, i32), i32),
		"ext_crypto_sr25519_batch_verify_version_1": fn(extSr25519Verify, params(i32, i64, i32), i32),
		"ext_crypto_ecdsa_public_keys_version_1":    fn(extPublicKeys, params(i32), i64),
		"ext_crypto_ecdsa_generate_version_1":       fn(extGenerate, params(i32, i64), i32),
		"ext_crypto_ecdsa_sign_version_1":           fn(extSign, params(i32, i32, i64), i64),
		"ext_crypto_ecdsa_sign_prehashed_version_1": fn(extSign, params(i32, i32, i32), i64),
		"ext_crypto_ecdsa_verify_version_1":         fn(extEcdsaVerify, params(i32, i64, i32), i32),
		"ext_crypto_ecdsa_verify_version_2":         fn(extEcdsaVerify, params(i32, i64, i32), i32),
		"ext_crypto_ecdsa_batch_verify_version_1":   fn(extEcdsaVerify, params(i32, i64, i32), i32),

		"ext_crypto_ecdsa_verify_prehashed_version_1": fn(extEcdsaVerifyPrehashed, params(i32, i32, i32), i32),

		"ext_crypto_secp256k1_ecdsa_recover_version_1":            fn(secp256k1Recover(false), params(i32, i32), i64),
		"ext_crypto_secp256k1_ecdsa_recover_version_2":            fn(secp256k1Recover(false), params(i32, i32), i64),
		"ext_crypto_secp256k1_ecdsa_recover_compressed_version_1": fn(secp256k1Recover(true), params(i32, i32), i64),
		"ext_crypto_secp256k1_ecdsa_recover_compressed_version_2": fn(secp256k1Recover(true), params(i32, i32), i64),

		"ext_crypto_start_batch_verify_version_1":  fn(extStartBatchVerify, params()),
		"ext_crypto_finish_batch_verify_version_1": fn(extFinishBatchVerify, params(), i32),

		"ext_trie_blake2_256_root_version_1":         fn(trieRoot(trie.Blake2Hasher, false), params(i64), i32),
		"ext_trie_blake2_256_root_version_2":         fn(trieRoot(trie.Blake2Hasher, true), params(i64, i32), i32),
		"ext_trie_blake2_256_ordered_root_version_1": fn(trieOrderedRoot(trie.Blake2Hasher, false), params(i64), i32),
		"ext_trie_blake2_256_ordered_root_version_2": fn(trieOrderedRoot(trie.Blake2Hasher, true), params(i64, i32), i32),
		"ext_trie_keccak_256_root_version_1":         fn(trieRoot(trie.KeccakHasher, false), params(i64), i32),
		"ext_trie_keccak_256_root_version_2":         fn(trieRoot(trie.KeccakHasher, true), params(i64, i32), i32),
		"ext_trie_keccak_256_ordered_root_version_1": fn(trieOrderedRoot(trie.KeccakHasher, false), params(i64), i32),
		"ext_trie_keccak_256_ordered_root_version_2": fn(trieOrderedRoot(trie.KeccakHasher, true), params(i64, i32), i32),

		"ext_trie_blake2_256_verify_proof_version_1": fn(trieVerifyProof(trie.Blake2Hasher, false), params(i32, i64, i64, i64), i32),
		"ext_trie_blake2_256_verify_proof_version_2": fn(trieVerifyProof(trie.Blake2Hasher, true), params(i32, i64, i64, i64, i32), i32),
		"ext_trie_keccak_256_verify_proof_version_1": fn(trieVerifyProof(trie.KeccakHasher, false), params(i32, i64, i64, i64), i32),
		"ext_trie_keccak_256_verify_proof_version_2": fn(trieVerifyProof(trie.KeccakHasher, true), params(i32, i64, i64, i64, i32), i32),
	})
}

func keccak256(b []byte) []byte {
	h := types.Keccak256(b)
	return h[:]
}

func sha2_256(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

func blake2_256(b []byte) []byte {
	h := types.Blake2_256(b)
	return h[:]
}

// hashFunc adapts a hash function to a host function returning a pointer to the digest.
func hashFunc(h func([]byte) []byte) api.GoModuleFunc {
	return func(ctx context.Context, m api.Module, stack []uint64) {
		cc := callFrom(ctx)
		stack[0] = uint64(cc.writeMemory(m, h(readSpan(m, stack[0]))))
	}
}

// The fork has no keystore. Listing keys returns nothing and signing returns None.

func extPublicKeys(ctx context.Context, m api.Module, stack []uint64) {
	stack[0] = callFrom(ctx).writeSpan(m, types.EncodeCompact(0))
}

func extGenerate(ctx context.Context, m api.Module, stack []uint64) {
	abort("key generation requires a keystore, which is not available")
}

func extSign(ctx context.Context, m api.Module, stack []uint64) {
	stack[0] = callFrom(ctx).writeSpan(m, []byte{0})
}

func extEd25519Verify(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	sig := readMemory(m, uint32(stack[0]), 64)
	msg := readSpan(m, stack[1])
	pub := readMemory(m, uint32(stack[2]), 32)
	stack[0] = boolResult(cc.exec.config.SignatureMock.mocked(sig) || VerifyEd25519(sig, msg, pub))
}

func extSr25519Verify(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	sig := readMemory(m, uint32(stack[0]), 64)
	msg := readSpan(m, stack[1])
	pub := readMemory(m, uint32(stack[2]), 32)
	stack[0] = boolResult(cc.exec.config.SignatureMock.mocked(sig) || VerifySr25519(sig, msg, pub))
}

func extEcdsaVerify(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	sig := readMemory(m, uint32(stack[0]), 65)
	msg := readSpan(m, stack[1])
	pub := readMemory(m, uint32(stack[2]), 33)
	stack[0] = boolResult(cc.exec.config.SignatureMock.mocked(sig) || VerifyEcdsa(sig, msg, pub))
}

func extEcdsaVerifyPrehashed(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	sig := readMemory(m, uint32(stack[0]), 65)
	hash := readMemory(m, uint32(stack[1]), 32)
	pub := readMemory(m, uint32(stack[2]), 33)
	stack[0] = boolResult(cc.exec.config.SignatureMock.mocked(sig) || VerifyEcdsaPrehashed(sig, hash, pub))
}

// secp256k1Recover returns Result<[u8; 64], EcdsaVerifyError>, or the 33 byte compressed key variant.
func secp256k1Recover(compressed bool) api.GoModuleFunc {
	return func(ctx context.Context, m api.Module, stack []uint64) {
		cc := callFrom(ctx)
		sig := readMemory(m, uint32(stack[0]), 65)
		hash := readMemory(m, uint32(stack[1]), 32)
		pub, err := RecoverSecp256k1(sig, hash, compressed)
		var verifyErr EcdsaVerifyError
		switch {
		case err == nil:
			stack[0] = cc.writeSpan(m, append([]byte{0}, pub...))
		case errors.As(err, &verifyErr):
			stack[0] = cc.writeSpan(m, []byte{1, byte(verifyErr)})
		default:
			stack[0] = cc.writeSpan(m, []byte{1, byte(EcdsaBadSignature)})
		}
	}
}

// Batch verification is performed eagerly by the verify functions, so a batch always succeeds.

func extStartBatchVerify(ctx context.Context, m api.Module, stack []uint64) {}

func extFinishBatchVerify(ctx context.Context, m api.Module, stack []uint64) {
	stack[0] = 1
}

// layoutArg reads the optional state version argument of the version 2 trie functions.
func layoutArg(stack []uint64, idx int, versioned bool) trie.Version {
	if versioned && uint32(stack[idx]) == 1 {
		return trie.V1
	}
	return trie.V0
}

func trieRoot(hasher trie.Hasher, versioned bool) api.GoModuleFunc {
	return func(ctx context.Context, m api.Module, stack []uint64) {
		cc := callFrom(ctx)
		dec := types.NewDecoder(readSpan(m, stack[0]))
		count, err := types.DecodeCompact(dec)
		if err != nil {
			abort("invalid trie input: %v", err)
		}
		entries := make(map[string][]byte, count)
		for i := uint64(0); i < count; i++ {
			key, err := types.DecodeBytes(dec)
			if err != nil {
				abort("invalid trie input: %v", err)
			}
			value, err := types.DecodeBytes(dec)
			if err != nil {
				abort("invalid trie input: %v", err)
			}
			entries[string(key)] = value
		}
		root, err := trie.FromEntriesWithHasher(layoutArg(stack, 1, versioned), hasher, entries).Hash()
		if err != nil {
			abort("trie root: %v", err)
		}
		stack[0] = uint64(cc.writeMemory(m, root[:]))
	}
}

func trieOrderedRoot(hasher trie.Hasher, versioned bool) api.GoModuleFunc {
	return func(ctx context.Context, m api.Module, stack []uint64) {
		cc := callFrom(ctx)
		items, err := types.DecodeBytesVec(types.NewDecoder(readSpan(m, stack[0])))
		if err != nil {
			abort("invalid trie input: %v", err)
		}
		root, err := trie.OrderedRootWithHasher(layoutArg(stack, 1, versioned), hasher, items)
		if err != nil {
			abort("trie root: %v", err)
		}
		stack[0] = uint64(cc.writeMemory(m, root[:]))
	}
}

func trieVerifyProof(hasher trie.Hasher, versioned bool) api.GoModuleFunc {
	return func(ctx context.Context, m api.Module, stack []uint64) {
		root := types.BytesToHash(readMemory(m, uint32(stack[0]), types.HashLength))
		proof, err := types.DecodeBytesVec(types.NewDecoder(readSpan(m, stack[1])))
		if err != nil {
			stack[0] = 0
			return
		}
		key, value := readSpan(m, stack[2]), readSpan(m, stack[3])
		t, err := trie.FromProofWithHasher(layoutArg(stack, 4, versioned), hasher, root, proof)
		if err != nil {
			stack[0] = 0
			return
		}
		got, ok, err := t.Get(key)
		stack[0] = boolResult(err == nil && ok && string(got) == string(value))
	}
}
