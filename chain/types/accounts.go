package types

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
)

// DevAccount names a well-known development account.
type DevAccount struct {
	Name string
	ID   []byte
}

var (
	Alice   = mustHex("0xd43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d")
	Bob     = mustHex("0x8eaf04151687736326c9fea17e25fc5287613693c912909cb226aa4794f26a48")
	Charlie = mustHex("0x90b5ab205c6974c9ea841be688864633dc9ca8a357843eeacf2314649965fe22")
	Dave    = mustHex("0x306721211d5404bd9da88e0204360a1a9ab8b87c66c1bc2fcdd37f3c2222cc20")
	Eve     = mustHex("0xe659a7a1628cdd93febc04a4e0646ea20e9f5f0ce097d9a05290d4a9e054df4e")
	Ferdie  = mustHex("0x1cbd2d43530a44705ad088af313e18f80b53ef16b36177cd4b77b846f2a5f07c")

	Alith     = mustHex("0xf24ff3a9cf04c71dbc94d0b566f7a27b94566cac")
	Baltathar = mustHex("0x3cd0a705a2dc65e5b1e1205896baa2be8a07c6e0")
	Charleth  = mustHex("0x798d4ba9baf0064ec19eb4f0a1a45785ae9d6dfc")
	Dorothy   = mustHex("0x773539d4ac0e786233d90a233654ccee26a613d9")
	Ethan     = mustHex("0xff64d3f6efe2317ee2807d223a0bdc4c0c49dfdb")
	Faith     = mustHex("0xc0f0f4ab324c46e55d02d0033343b4be8a55532d")
)

// SubstrateDevAccounts lists the sr25519 development accounts.
var SubstrateDevAccounts = []DevAccount{
	{"Alice", Alice}, {"Bob", Bob}, {"Charlie", Charlie}, {"Dave", Dave}, {"Eve", Eve}, {"Ferdie", Ferdie},
}

// EthereumDevAccounts lists the 20-byte development accounts used by ethereum-compatible chains.
var EthereumDevAccounts = []DevAccount{
	{"Alith", Alith}, {"Baltathar", Baltathar}, {"Charleth", Charleth},
	{"Dorothy", Dorothy}, {"Ethan", Ethan}, {"Faith", Faith},
}

// DevBalance is the free balance assigned to funded development accounts (u128::MAX / 2).
var DevBalance = new(uint256.Int).Rsh(new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 128), 1), 1)

// accountInfoLength is the encoded size of frame_system::AccountInfo with pallet_balances::AccountData.
const accountInfoLength = 80

// freeBalanceOffset is the offset of AccountData.free inside an encoded AccountInfo.
const freeBalanceOffset = 16

// EthereumFallbackAccountID maps a 20-byte address into the 32-byte account id space by padding with 0xEE.
func EthereumFallbackAccountID(address []byte) []byte {
	id := make([]byte, 32)
	for i := range id {
		id[i] = 0xEE
	}
	copy(id, address)
	return id
}

// AccountStorageKey returns the System::Account storage key of an account.
func AccountStorageKey(account []byte) []byte {
	return Blake2_128ConcatKey("System", "Account", account)
}

// SudoKeyStorageKey returns the Sudo::Key storage key.
func SudoKeyStorageKey() []byte {
	return PlainStorageKey("Sudo", "Key")
}

// BuildAccountInfo encodes a fresh AccountInfo with one provider and the given free balance.
func BuildAccountInfo(free *uint256.Int) []byte {
	data := make([]byte, accountInfoLength)
	// providers = 1
	data[8] = 1
	putU128(data[freeBalanceOffset:freeBalanceOffset+16], free)
	return data
}

// PatchFreeBalance returns a copy of an encoded AccountInfo with the free balance replaced.
func PatchFreeBalance(existing []byte, free *uint256.Int) ([]byte, error) {
	if len(existing) < freeBalanceOffset+16 {
		return nil, fmt.Errorf("account info too short: %d bytes", len(existing))
	}
	patched := make([]byte, len(existing))
	copy(patched, existing)
	putU128(patched[freeBalanceOffset:freeBalanceOffset+16], free)
	return patched, nil
}

// FreeBalance decodes the free balance of an encoded AccountInfo.
func FreeBalance(info []byte) (*uint256.Int, error) {
	if len(info) < freeBalanceOffset+16 {
		return nil, fmt.Errorf("account info too short: %d bytes", len(info))
	}
	return DecodeU128(info[freeBalanceOffset : freeBalanceOffset+16]), nil
}

// AccountNonce decodes the nonce of an encoded AccountInfo.
func AccountNonce(info []byte) (uint32, error) {
	if len(info) < 4 {
		return 0, fmt.Errorf("account info too short: %d bytes", len(info))
	}
	return binary.LittleEndian.Uint32(info), nil
}

// DecodeU128 decodes a little-endian u128.
func DecodeU128(le []byte) *uint256.Int {
	be := make([]byte, 16)
	for i := 0; i < 16; i++ {
		be[15-i] = le[i]
	}
	return new(uint256.Int).SetBytes(be)
}

// EncodeU128 encodes v as a little-endian u128, truncating higher bits.
func EncodeU128(v *uint256.Int) []byte {
	out := make([]byte, 16)
	putU128(out, v)
	return out
}

func putU128(dst []byte, v *uint256.Int) {
	be := v.Bytes32()
	for i := 0; i < 16; i++ {
		dst[i] = be[31-i]
	}
}
