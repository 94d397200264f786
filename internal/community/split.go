package community

import (
	"fmt"
	"math/rand/v2"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/forgenet/mergesplit/internal/chain"
	"github.com/forgenet/mergesplit/internal/log"
	"github.com/forgenet/mergesplit/pkg/block"
	"github.com/forgenet/mergesplit/pkg/tx"
)

// balanceEntry is one seceding pubkey's accumulated balance, in first-seen
// order so the genesis transaction is deterministic.
type balanceEntry struct {
	PubKey  string
	Balance int64
}

// splitClassify walks from tip back to the nearest boundary block and
// classifies every output: live outputs are retained, retained outputs
// owned by a seceding pubkey are additionally marked for zeroing, and
// each seceding pubkey's net balance (outputs minus inputs) accumulates
// for the new community's genesis.
func splitClassify(tip *chain.Node, seceding mapset.Set[string]) (retain, toZero []outputRef, balances []balanceEntry, err error) {
	spent := make(map[outputRef]int)
	balanceByKey := make(map[string]int64)
	var keyOrder []string
	touch := func(pub string, delta int64) {
		if _, seen := balanceByKey[pub]; !seen {
			keyOrder = append(keyOrder, pub)
		}
		balanceByKey[pub] += delta
	}

	for cur := tip; cur != nil; cur = cur.Parent {
		t, err := tx.Deserialize(cur.Block.Tx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("decode block transaction: %w", err)
		}
		for _, in := range t.Inputs {
			spent[outputRef{in.RefNumber, in.Output.Value, in.Output.PubKey}]++
			if seceding.Contains(in.Output.PubKey) {
				touch(in.Output.PubKey, -int64(in.Output.Value))
			}
		}
		for _, out := range t.Outputs {
			ref := outputRef{t.Number, out.Value, out.PubKey}
			if spent[ref] > 0 {
				spent[ref]--
			} else {
				retain = append(retain, ref)
				if seceding.Contains(out.PubKey) {
					toZero = append(toZero, ref)
				}
			}
			if seceding.Contains(out.PubKey) {
				touch(out.PubKey, int64(out.Value))
			}
		}
		if cur.Block.Kind.IsBoundary() {
			break
		}
	}

	// A consumed input with no matching output inside the window means the
	// reconstruction double-counted somewhere; the ledger cannot be split.
	var unmatched int
	for _, n := range spent {
		unmatched += n
	}
	if unmatched != 0 {
		return nil, nil, nil, fmt.Errorf("%w: %d spent inputs unmatched after reconstruction", ErrConservation, unmatched)
	}

	for _, pub := range keyOrder {
		balances = append(balances, balanceEntry{PubKey: pub, Balance: balanceByKey[pub]})
	}
	return retain, toZero, balances, nil
}

// buildSplitTransaction constructs the split boundary transaction: all
// retained outputs as inputs; zero-value outputs for the seceding
// pubkeys' holdings and restated outputs for everything staying. The
// value delta is the total evacuated to the new community's genesis.
func buildSplitTransaction(retain, toZero []outputRef) (*tx.Transaction, uint64, error) {
	zeroed := make(map[outputRef]bool, len(toZero))
	for _, ref := range toZero {
		zeroed[ref] = true
	}

	var inputVal, outputVal uint64
	inputs := make([]tx.Input, 0, len(retain))
	for _, ref := range retain {
		inputs = append(inputs, ref.input())
		inputVal += ref.Value
	}
	outputs := make([]tx.Output, 0, len(retain))
	for _, ref := range toZero {
		outputs = append(outputs, tx.Output{Value: 0, PubKey: ref.PubKey})
	}
	for _, ref := range retain {
		if zeroed[ref] {
			continue
		}
		outputs = append(outputs, tx.Output{Value: ref.Value, PubKey: ref.PubKey})
		outputVal += ref.Value
	}
	if inputVal < outputVal {
		return nil, 0, fmt.Errorf("%w: split inputs %d < outputs %d", ErrConservation, inputVal, outputVal)
	}
	return tx.NewProtocol(inputs, outputs), inputVal - outputVal, nil
}

// buildSplitGenesis constructs the new community's genesis transaction:
// no inputs, one output per seceding pubkey's balance.
func buildSplitGenesis(balances []balanceEntry) (*tx.Transaction, uint64, error) {
	var total uint64
	outputs := make([]tx.Output, 0, len(balances))
	for _, e := range balances {
		if e.Balance < 0 {
			return nil, 0, fmt.Errorf("%w: negative balance %d for %s", ErrConservation, e.Balance, e.PubKey)
		}
		outputs = append(outputs, tx.Output{Value: uint64(e.Balance), PubKey: e.PubKey})
		total += uint64(e.Balance)
	}
	return tx.NewProtocol(nil, outputs), total, nil
}

// Split partitions the community in two: a shuffled half secedes onto a
// fresh chain seeded by a conservation-preserving genesis, the rest
// continue the old chain behind a split boundary block. The staying
// community keeps the given stayID and inherits the pool; the seceding
// one gets secedeID and starts empty. Returns false with nil communities
// on quorum failure.
func (c *Community) Split(rng *rand.Rand, rules VoteRules, stayID, secedeID int64) (bool, *Community, *Community, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.forgers) < 2 {
		return false, nil, nil, ErrTooSmall
	}

	shuffled := make([]*Forger, len(c.forgers))
	copy(shuffled, c.forgers)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	secedeForgers := shuffled[:len(shuffled)/2]
	stayForgers := shuffled[len(shuffled)/2:]

	approved := 0
	for _, f := range c.forgers {
		if f.ApproveSplit(rng, rules.Dissent) {
			approved++
		}
	}
	if float64(approved) < rules.Quorum*float64(len(c.forgers)) {
		return false, nil, nil, nil
	}

	seceding := mapset.NewThreadUnsafeSet[string]()
	for _, f := range secedeForgers {
		seceding.Add(f.PublicKey())
	}

	tip := c.forgers[0].Chain.LongestTip()
	if tip == nil {
		return false, nil, nil, chain.ErrEmptyChain
	}
	retain, toZero, balances, err := splitClassify(tip, seceding)
	if err != nil {
		return false, nil, nil, err
	}
	splitTx, sentToGen, err := buildSplitTransaction(retain, toZero)
	if err != nil {
		return false, nil, nil, err
	}
	genesisTx, total, err := buildSplitGenesis(balances)
	if err != nil {
		return false, nil, nil, err
	}
	if sentToGen != total {
		return false, nil, nil, fmt.Errorf("%w: split evacuates %d but genesis issues %d", ErrConservation, sentToGen, total)
	}

	splitBlock := block.NewSplit(splitTx.Serialize(), tip.Hash)
	for _, f := range stayForgers {
		if err := f.Chain.AddBlock(splitBlock); err != nil {
			return false, nil, nil, err
		}
	}
	genesisBlock := block.NewGenesis(genesisTx.Serialize())
	for _, f := range secedeForgers {
		fresh := chain.New()
		if err := fresh.SetGenesis(genesisBlock); err != nil {
			return false, nil, nil, err
		}
		f.Chain = fresh
	}

	stay := FromForgers(stayID, c.pool, stayForgers)
	secede := FromForgers(secedeID, nil, secedeForgers)

	log.Community.Info().
		Int64("community_id", c.id).
		Int64("stay_id", stay.ID()).
		Int64("secede_id", secede.ID()).
		Uint64("evacuated", sentToGen).
		Msg("split executed")
	return true, stay, secede, nil
}
