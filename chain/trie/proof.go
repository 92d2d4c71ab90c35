package trie

import (
	"errors"
	"fmt"

	"github.com/crytic/subfork/chain/types"
)

// ErrProofMissingRoot is returned when a proof does not contain the node of the requested root.
var ErrProofMissingRoot = errors.New("trie: proof does not contain the root node")

// proofCollector accumulates unique node encodings.
type proofCollector struct {
	seen  map[types.Hash]struct{}
	nodes [][]byte
}

func newProofCollector() *proofCollector {
	return &proofCollector{seen: make(map[types.Hash]struct{})}
}

func (c *proofCollector) add(enc []byte) {
	h := types.Blake2_256(enc)
	if _, ok := c.seen[h]; ok {
		return
	}
	c.seen[h] = struct{}{}
	c.nodes = append(c.nodes, enc)
}

// collect adds n and, when hashed, its value. Inline nodes are part of their parent's encoding and are not added on
// their own, except for the root.
func (c *proofCollector) collect(n *node, l layout, isRoot bool) error {
	enc, err := n.encode(l)
	if err != nil {
		return err
	}
	if isRoot || len(enc) >= types.HashLength {
		c.add(enc)
	}
	if n.hasValue && n.valueHash == nil && n.hashValue(l) {
		c.add(n.value)
	}
	return nil
}

// Prove returns the nodes needed to read the given keys from the trie root. Keys that are absent are proven absent.
func (t *Trie) Prove(keys ...[]byte) ([][]byte, error) {
	c := newProofCollector()
	if t.root == nil {
		return [][]byte{{emptyNodeByte}}, nil
	}
	for _, key := range keys {
		n := t.root
		nibbles := keyToNibbles(key)
		isRoot := true
		for n != nil {
			if n.ref != nil {
				return nil, ErrIncompleteTrie
			}
			common := commonPrefix(n.partial, nibbles)
			if common < len(n.partial) || common == len(nibbles) {
				if err := c.collect(n, t.layout(), isRoot); err != nil {
					return nil, err
				}
				break
			}
			enc, err := n.encode(t.layout())
			if err != nil {
				return nil, err
			}
			if isRoot || len(enc) >= types.HashLength {
				c.add(enc)
			}
			if !n.branch {
				break
			}
			nibbles = nibbles[common:]
			n = n.children[nibbles[0]]
			nibbles = nibbles[1:]
			isRoot = false
		}
	}
	return c.nodes, nil
}

// ProofNodes returns the encoding of every node known to the trie, which proves every known entry.
func (t *Trie) ProofNodes() ([][]byte, error) {
	if t.root == nil {
		return [][]byte{{emptyNodeByte}}, nil
	}
	c := newProofCollector()
	var walk func(n *node, isRoot bool) error
	walk = func(n *node, isRoot bool) error {
		if n == nil || n.ref != nil {
			return nil
		}
		if err := c.collect(n, t.layout(), isRoot); err != nil {
			return err
		}
		for _, child := range n.children {
			if err := walk(child, false); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t.root, true); err != nil {
		return nil, err
	}
	return c.nodes, nil
}

// FromProof rebuilds a partial trie from a set of proof nodes. Subtrees absent from the proof are kept as hash
// references, so the root hash of the result equals root until the trie is modified.
func FromProof(version Version, root types.Hash, nodes [][]byte) (*Trie, error) {
	return FromProofWithHasher(version, Blake2Hasher, root, nodes)
}

// FromProofWithHasher is FromProof for tries hashed with the given hasher.
func FromProofWithHasher(version Version, hasher Hasher, root types.Hash, nodes [][]byte) (*Trie, error) {
	db := make(map[types.Hash][]byte, len(nodes))
	for _, n := range nodes {
		db[hasher(n)] = n
	}
	if root == hasher([]byte{emptyNodeByte}) {
		return NewWithHasher(version, hasher), nil
	}
	enc, ok := db[root]
	if !ok {
		return nil, ErrProofMissingRoot
	}
	resolve := func(h types.Hash) ([]byte, bool) {
		b, ok := db[h]
		return b, ok
	}
	n, err := decodeNode(enc, resolve)
	if err != nil {
		return nil, fmt.Errorf("failed to decode root node: %w", err)
	}
	return &Trie{root: n, version: version, hasher: hasher}, nil
}

// VerifyProof reads key from a proof against the given root.
func VerifyProof(version Version, root types.Hash, nodes [][]byte, key []byte) ([]byte, bool, error) {
	t, err := FromProof(version, root, nodes)
	if err != nil {
		return nil, false, err
	}
	return t.Get(key)
}
