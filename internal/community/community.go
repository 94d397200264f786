package community

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/forgenet/mergesplit/internal/chain"
	"github.com/forgenet/mergesplit/internal/consensus"
	"github.com/forgenet/mergesplit/internal/log"
	"github.com/forgenet/mergesplit/pkg/block"
	"github.com/forgenet/mergesplit/pkg/tx"
)

// Community errors.
var (
	ErrNoForgers = errors.New("community has no forgers")
	ErrTooSmall  = errors.New("community too small to partition")
)

// Community is a sub-network owning a forger set and a transaction pool.
// Its chains and pool are touched by its own worker under mu; merge and
// split reach across communities while holding the network mutation lock
// plus the affected communities' mu, which quiesces the workers' current
// production round.
type Community struct {
	id int64

	mu       sync.RWMutex
	forgers  []*Forger
	byPubKey map[string]*Forger
	pool     []*tx.Transaction

	removed atomic.Bool
}

// New creates a community from a pool and hex signing key pairs.
func New(id int64, pool []*tx.Transaction, keys [][2]string) (*Community, error) {
	c := &Community{
		id:       id,
		pool:     pool,
		byPubKey: make(map[string]*Forger, len(keys)),
	}
	for _, pair := range keys {
		f, err := NewForger(pair[0], pair[1])
		if err != nil {
			return nil, fmt.Errorf("community %d: %w", id, err)
		}
		c.forgers = append(c.forgers, f)
		c.byPubKey[pair[0]] = f
	}
	return c, nil
}

// FromForgers creates a community around existing forgers, keeping their
// chains and stakes. Used by split and merge topology changes.
func FromForgers(id int64, pool []*tx.Transaction, forgers []*Forger) *Community {
	c := &Community{
		id:       id,
		pool:     pool,
		forgers:  forgers,
		byPubKey: make(map[string]*Forger, len(forgers)),
	}
	for _, f := range forgers {
		c.byPubKey[f.PublicKey()] = f
	}
	return c
}

// ID returns the community's stable identifier.
func (c *Community) ID() int64 { return c.id }

// NodeCount returns the number of forgers.
func (c *Community) NodeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.forgers)
}

// Forgers returns a snapshot of the forger set.
func (c *Community) Forgers() []*Forger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Forger, len(c.forgers))
	copy(out, c.forgers)
	return out
}

// PoolSize returns the number of pool transactions.
func (c *Community) PoolSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pool)
}

// InstallGenesis pops the first pool transaction, wraps it in a genesis
// block installed on every forger's chain, and applies its stake delta.
func (c *Community) InstallGenesis() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pool) == 0 {
		return fmt.Errorf("community %d: empty pool", c.id)
	}
	genesis := c.pool[0]
	c.pool = c.pool[1:]
	b := block.NewGenesis(genesis.Serialize())
	for _, f := range c.forgers {
		if err := f.Chain.SetGenesis(b); err != nil {
			return fmt.Errorf("community %d: %w", c.id, err)
		}
	}
	c.updateStakeLocked(genesis)
	return nil
}

// ExtendPool appends transactions awaiting inclusion to the pool.
func (c *Community) ExtendPool(txs []*tx.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool = append(c.pool, txs...)
}

// Contains reports whether a public key address belongs to this community.
func (c *Community) Contains(address string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byPubKey[address]
	return ok
}

// Removed reports whether the community was consumed by a merge or
// replaced by a split. A worker holding a stale reference no-ops.
func (c *Community) Removed() bool { return c.removed.Load() }

// MarkRemoved flags the community as gone from the network.
func (c *Community) MarkRemoved() { c.removed.Store(true) }

// FetchUpToDateChain returns a deep copy of a member's chain for a
// newly added or absorbed forger.
func (c *Community) FetchUpToDateChain() *chain.Chain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchChainLocked()
}

func (c *Community) fetchChainLocked() *chain.Chain {
	if len(c.forgers) == 0 {
		return chain.New()
	}
	return c.forgers[0].Chain.Clone()
}

// Add dynamically admits a forger to the community, seeding it with an
// up-to-date chain copy.
func (c *Community) Add(pubHex, privHex string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := NewForger(pubHex, privHex)
	if err != nil {
		return err
	}
	f.Chain = c.fetchChainLocked()
	c.forgers = append(c.forgers, f)
	c.byPubKey[f.PublicKey()] = f
	return nil
}

// SelectCreator samples one forger with probability proportional to its
// stake, falling back to uniform when no stake is in play. Negative
// stakes carry no sampling mass.
func (c *Community) SelectCreator(rng *rand.Rand) *Forger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.forgers) == 0 {
		return nil
	}
	weights := make([]float64, len(c.forgers))
	var total float64
	for i, f := range c.forgers {
		if f.Stake > 0 {
			weights[i] = float64(f.Stake)
			total += weights[i]
		}
	}
	if total == 0 {
		for i := range weights {
			weights[i] = 1
		}
	}
	idx, ok := sampleuv.NewWeighted(weights, rng).Take()
	if !ok {
		idx = rng.IntN(len(c.forgers))
	}
	return c.forgers[idx]
}

// UpdateStake applies a transaction's stake delta to the community's
// stake table: each member pubkey gains its outputs and loses the
// inputs attributed to it.
func (c *Community) UpdateStake(t *tx.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateStakeLocked(t)
}

func (c *Community) updateStakeLocked(t *tx.Transaction) {
	deltas := make(map[string]int64)
	for _, in := range t.Inputs {
		if _, ok := c.byPubKey[in.Output.PubKey]; ok {
			deltas[in.Output.PubKey] -= int64(in.Output.Value)
		}
	}
	for _, out := range t.Outputs {
		if _, ok := c.byPubKey[out.PubKey]; ok {
			deltas[out.PubKey] += int64(out.Value)
		}
	}
	for pub, delta := range deltas {
		c.byPubKey[pub].Stake += delta
	}
}

// ValidTransactionExists reports whether any pool transaction still
// validates against some forger's longest chain. The worker loop runs
// until this turns false.
func (c *Community) ValidTransactionExists(v *consensus.Validator) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.forgers {
		for _, t := range c.pool {
			if v.Validate(t, f.Chain.LongestTip(), block.KindNormal) == nil {
				return true
			}
		}
	}
	return false
}

// ProduceRound runs one block-production iteration for the sampled
// creator: the first pool transaction that validates against the
// creator's longest chain is wrapped in a normal block and broadcast.
// Returns whether a block was accepted.
func (c *Community) ProduceRound(creator *Forger, v *consensus.Validator) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tip := creator.Chain.LongestTip()
	if tip == nil {
		return false
	}
	for _, t := range c.pool {
		if v.Validate(t, tip, block.KindNormal) != nil {
			continue
		}
		b := block.NewNormal(t.Serialize(), tip.Hash)
		return c.broadcastLocked(b, v)
	}
	return false
}

// Broadcast submits a proposed block to every member for verification.
// All-or-nothing: one rejection drops the block and leaves stakes
// untouched.
func (c *Community) Broadcast(b *block.Block, v *consensus.Validator) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcastLocked(b, v)
}

func (c *Community) broadcastLocked(b *block.Block, v *consensus.Validator) bool {
	for _, f := range c.forgers {
		if err := v.VerifyProposal(f.Chain, b); err != nil {
			log.Community.Debug().
				Int64("community_id", c.id).
				Str("forger", f.PublicKey()).
				Err(err).
				Msg("proposal rejected")
			return false
		}
	}
	for _, f := range c.forgers {
		if err := f.Chain.AddBlock(b); err != nil {
			// Verification above guarantees the parent exists.
			log.Community.Error().Err(err).Msg("append after unanimous verify")
			return false
		}
	}
	t, err := b.Transaction()
	if err != nil {
		return false
	}
	c.updateStakeLocked(t)
	return true
}

// appendProtocolBlockLocked attaches a protocol-issued block (fee or
// boundary) to every member's chain without broadcast verification.
func (c *Community) appendProtocolBlockLocked(b *block.Block) error {
	for _, f := range c.forgers {
		if err := f.Chain.AddBlock(b); err != nil {
			return err
		}
	}
	return nil
}

// Features summarizes the community for the scoring oracle.
func (c *Community) Features() consensus.Features {
	c.mu.RLock()
	defer c.mu.RUnlock()
	feat := consensus.Features{NodeCount: len(c.forgers)}
	for _, f := range c.forgers {
		if l := f.Chain.LongestLength(); l > feat.LongestChain {
			feat.LongestChain = l
		}
		if n := f.Chain.ForkCount(); n > feat.ForkCount {
			feat.ForkCount = n
		}
		feat.TotalStake += f.Stake
	}
	return feat
}

// VoteRules bundles the approval quorum fraction with the per-forger
// dissent probability used when polling a proposal.
type VoteRules struct {
	Quorum  float64
	Dissent float64
}

// PollMergeApproval queries every forger; the merge proceeds only if the
// approving fraction meets the quorum.
func (c *Community) PollMergeApproval(rng *rand.Rand, rules VoteRules) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	approved := 0
	for _, f := range c.forgers {
		if f.ApproveMerge(rng, rules.Dissent) {
			approved++
		}
	}
	return float64(approved) >= rules.Quorum*float64(len(c.forgers))
}

// PollSplitApproval queries every forger against the split quorum.
func (c *Community) PollSplitApproval(rng *rand.Rand, rules VoteRules) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	approved := 0
	for _, f := range c.forgers {
		if f.ApproveSplit(rng, rules.Dissent) {
			approved++
		}
	}
	return float64(approved) >= rules.Quorum*float64(len(c.forgers))
}

// AccrueFee issues a fee block rewarding the receiver: a transaction
// with no inputs and a single output of the fee value, signed by the
// receiver, appended to every member's chain.
func (c *Community) AccrueFee(receiver *Forger, fee uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.forgers) == 0 {
		return ErrNoForgers
	}
	feeTx, err := tx.NewSigned(nil, []tx.Output{{Value: fee, PubKey: receiver.PublicKey()}}, receiver.Key())
	if err != nil {
		return fmt.Errorf("fee transaction: %w", err)
	}
	head, err := c.forgers[0].Chain.HeadHash()
	if err != nil {
		return err
	}
	b := block.NewFee(feeTx.Serialize(), head)
	if err := c.appendProtocolBlockLocked(b); err != nil {
		return err
	}
	receiver.Stake += int64(fee)
	return nil
}

// CheckMatchedSequences verifies that every forger holds the identical
// longest chain, block for block. Returns the shared length, or false
// when any pair of forgers disagrees.
func (c *Community) CheckMatchedSequences() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.forgers) == 0 {
		return 0, false
	}
	length := c.forgers[0].Chain.LongestLength()
	for i := 0; i+1 < len(c.forgers); i++ {
		cur := c.forgers[i].Chain.LongestTip()
		next := c.forgers[i+1].Chain.LongestTip()
		for cur != nil {
			if next == nil ||
				cur.Block.Tx != next.Block.Tx ||
				cur.Block.Prev != next.Block.Prev {
				return 0, false
			}
			cur, next = cur.Parent, next.Parent
		}
		if next != nil {
			return 0, false
		}
	}
	return length, true
}
