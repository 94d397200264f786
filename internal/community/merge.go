package community

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/forgenet/mergesplit/internal/chain"
	"github.com/forgenet/mergesplit/internal/log"
	"github.com/forgenet/mergesplit/pkg/block"
	"github.com/forgenet/mergesplit/pkg/tx"
	"github.com/forgenet/mergesplit/pkg/types"
)

// ErrConservation is raised when a boundary construction breaks the
// coin-conservation invariant. The operation aborts; there is no
// recovery of a chain that fails reconstruction.
var ErrConservation = errors.New("boundary transaction violates conservation")

// outputRef identifies one live output: the number of the transaction
// that created it plus the (value, pubkey) pair.
type outputRef struct {
	Number types.Hash
	Value  uint64
	PubKey string
}

// input converts the reference into a transaction input consuming it.
func (r outputRef) input() tx.Input {
	return tx.Input{RefNumber: r.Number, Output: tx.Output{Value: r.Value, PubKey: r.PubKey}}
}

// unspentOutputs walks from tip back to the nearest boundary block,
// processing the boundary's own transaction and stopping there. Every
// output seen is tracked and removed again if a newer block consumed it
// as an input; matching is by full (number, value, pubkey) multiset so
// identical outputs of one transaction stay distinct. The residual count
// of inputs that never found their output is returned for the caller to
// judge.
func unspentOutputs(tip *chain.Node) (retain []outputRef, unmatched int, err error) {
	spent := make(map[outputRef]int)
	for cur := tip; cur != nil; cur = cur.Parent {
		t, err := tx.Deserialize(cur.Block.Tx)
		if err != nil {
			return nil, 0, fmt.Errorf("decode block transaction: %w", err)
		}
		for _, in := range t.Inputs {
			spent[outputRef{in.RefNumber, in.Output.Value, in.Output.PubKey}]++
		}
		for _, out := range t.Outputs {
			ref := outputRef{t.Number, out.Value, out.PubKey}
			if spent[ref] > 0 {
				spent[ref]--
			} else {
				retain = append(retain, ref)
			}
		}
		if cur.Block.Kind.IsBoundary() {
			break
		}
	}
	for _, n := range spent {
		unmatched += n
	}
	return retain, unmatched, nil
}

// buildMergeTransaction constructs the merge boundary transaction: the
// union of both communities' live outputs as inputs, restated unchanged
// as outputs. An input on either chain with no matching output inside
// its boundary window means the reconstruction cannot account for every
// coin, so the merge aborts.
func buildMergeTransaction(tipA, tipB *chain.Node) (*tx.Transaction, error) {
	liveA, unmatchedA, err := unspentOutputs(tipA)
	if err != nil {
		return nil, err
	}
	if unmatchedA != 0 {
		return nil, fmt.Errorf("%w: %d spent inputs unmatched on the initiating chain", ErrConservation, unmatchedA)
	}
	liveB, unmatchedB, err := unspentOutputs(tipB)
	if err != nil {
		return nil, err
	}
	if unmatchedB != 0 {
		return nil, fmt.Errorf("%w: %d spent inputs unmatched on the neighbor chain", ErrConservation, unmatchedB)
	}
	live := append(liveA, liveB...)
	inputs := make([]tx.Input, 0, len(live))
	outputs := make([]tx.Output, 0, len(live))
	for _, ref := range live {
		inputs = append(inputs, ref.input())
		outputs = append(outputs, tx.Output{Value: ref.Value, PubKey: ref.PubKey})
	}
	return tx.NewProtocol(inputs, outputs), nil
}

// Merge absorbs the neighbor into this community. Both forger sets vote
// first; on quorum the merge boundary block referencing both heads is
// appended to the initiating community's chains, and the neighbor's
// forgers and pool move over. The neighbor is left empty for removal.
// Returns false with a nil error on quorum failure.
func (c *Community) Merge(neighbor *Community, rng *rand.Rand, rules VoteRules) (bool, error) {
	if !neighbor.PollMergeApproval(rng, rules) {
		return false, nil
	}
	if !c.PollMergeApproval(rng, rules) {
		return false, nil
	}

	// Lock both communities in id order; this quiesces their workers'
	// current production round.
	first, second := c, neighbor
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if len(c.forgers) == 0 || len(neighbor.forgers) == 0 {
		return false, ErrNoForgers
	}
	tipA := c.forgers[0].Chain.LongestTip()
	tipB := neighbor.forgers[0].Chain.LongestTip()
	if tipA == nil || tipB == nil {
		return false, chain.ErrEmptyChain
	}

	mergeTx, err := buildMergeTransaction(tipA, tipB)
	if err != nil {
		return false, err
	}
	b := block.NewMerge(mergeTx.Serialize(), tipA.Hash, tipB.Hash)
	if err := c.appendProtocolBlockLocked(b); err != nil {
		return false, err
	}

	// The survivor absorbs the neighbor's members and pool. Absorbed
	// forgers keep their stake but re-seed from the survivor's chain,
	// which now ends in the merge block.
	for _, f := range neighbor.forgers {
		f.Chain = c.forgers[0].Chain.Clone()
		c.forgers = append(c.forgers, f)
		c.byPubKey[f.PublicKey()] = f
	}
	c.pool = append(c.pool, neighbor.pool...)
	neighbor.forgers = nil
	neighbor.byPubKey = map[string]*Forger{}
	neighbor.pool = nil

	log.Community.Info().
		Int64("community_id", c.id).
		Int64("absorbed_id", neighbor.id).
		Int("forgers", len(c.forgers)).
		Msg("merge executed")
	return true, nil
}
