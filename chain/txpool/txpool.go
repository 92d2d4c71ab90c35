// Package txpool holds submitted extrinsics until the next block is built.
package txpool

import (
	"sync"

	"github.com/crytic/subfork/chain/types"
)

// TxPool is a first-in first-out queue of extrinsics. It does not validate or prioritize anything: the runtime
// decides what gets included when a block is built. It is safe for concurrent use.
type TxPool struct {
	lock    sync.Mutex
	pending [][]byte
}

// New creates an empty pool.
func New() *TxPool {
	return &TxPool{}
}

// Hash returns the hash an extrinsic is known by.
func Hash(ext []byte) types.Hash {
	return types.Blake2_256(ext)
}

// Submit queues an extrinsic and returns its hash.
func (p *TxPool) Submit(ext []byte) types.Hash {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.pending = append(p.pending, ext)
	return Hash(ext)
}

// SubmitBatch queues extrinsics in order and returns their hashes.
func (p *TxPool) SubmitBatch(exts [][]byte) []types.Hash {
	hashes := make([]types.Hash, len(exts))
	for i, ext := range exts {
		hashes[i] = Hash(ext)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.pending = append(p.pending, exts...)
	return hashes
}

// Drain removes and returns every queued extrinsic.
func (p *TxPool) Drain() [][]byte {
	p.lock.Lock()
	defer p.lock.Unlock()
	drained := p.pending
	p.pending = nil
	return drained
}

// SubmitAndDrain queues an extrinsic and drains the pool in one step, so a block built from the result contains the
// extrinsic along with everything submitted before it.
func (p *TxPool) SubmitAndDrain(ext []byte) (types.Hash, [][]byte) {
	p.lock.Lock()
	defer p.lock.Unlock()
	drained := append(p.pending, ext)
	p.pending = nil
	return Hash(ext), drained
}

// Requeue puts extrinsics taken out by Drain or SubmitAndDrain back in front of the queue, ahead of anything
// submitted since.
func (p *TxPool) Requeue(exts [][]byte) {
	if len(exts) == 0 {
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.pending = append(append(make([][]byte, 0, len(exts)+len(p.pending)), exts...), p.pending...)
}

// Pending returns a copy of the queued extrinsics.
func (p *TxPool) Pending() [][]byte {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([][]byte(nil), p.pending...)
}

// Len returns the number of queued extrinsics.
func (p *TxPool) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.pending)
}

// Remove drops the queued extrinsics with the given hashes and returns how many were removed.
func (p *TxPool) Remove(hashes []types.Hash) int {
	drop := make(map[types.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		drop[h] = struct{}{}
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	kept := p.pending[:0]
	for _, ext := range p.pending {
		if _, ok := drop[Hash(ext)]; !ok {
			kept = append(kept, ext)
		}
	}
	removed := len(p.pending) - len(kept)
	p.pending = kept
	return removed
}
