// Package network coordinates disjoint communities: it owns the global
// mutation lock, executes merge and split topology changes, and drives
// one worker per community.
package network

import (
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/forgenet/mergesplit/config"
	"github.com/forgenet/mergesplit/internal/community"
	"github.com/forgenet/mergesplit/internal/consensus"
	"github.com/forgenet/mergesplit/internal/log"
)

// Topology errors. Quorum failures and stale proposals are normal
// control outcomes; conservation violations are hard errors.
var (
	ErrStaleProposal    = errors.New("proposal stale after topology change")
	ErrNotRecommended   = errors.New("scoring oracle does not recommend the operation")
	ErrQuorumFailure    = errors.New("not enough forger approvals")
	ErrUnknownCommunity = errors.New("community no longer in the network")
)

// Network owns the communities and the single mutation lock serializing
// every topology change. Normal block production does not contend with
// the lock; it only reads the community roster.
type Network struct {
	cfg    config.Config
	oracle consensus.Oracle

	mu          sync.Mutex // the global mutation lock
	communities []*community.Community
	byID        map[int64]*community.Community
	rng         *rand.Rand // topology randomness, used under mu
	numMerges   int
	numSplits   int

	workers workerSet
}

// New assembles a network around the parsed communities.
func New(cfg config.Config, oracle consensus.Oracle, communities []*community.Community) *Network {
	n := &Network{
		cfg:         cfg,
		oracle:      oracle,
		communities: communities,
		byID:        make(map[int64]*community.Community, len(communities)),
		rng:         rand.New(rand.NewPCG(cfg.Seed, 0x6d65726765)),
	}
	for _, c := range communities {
		n.byID[c.ID()] = c
	}
	return n
}

// Communities returns a snapshot of the current community roster.
func (n *Network) Communities() []*community.Community {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*community.Community, len(n.communities))
	copy(out, n.communities)
	return out
}

// NumMerges returns the count of executed merges.
func (n *Network) NumMerges() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.numMerges
}

// NumSplits returns the count of executed splits.
func (n *Network) NumSplits() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.numSplits
}

// CanMerge validates a merge proposal: the communities must be distinct
// and the oracle must score past the prediction threshold.
func (n *Network) CanMerge(c1, c2 *community.Community) bool {
	if c1.ID() == c2.ID() {
		return false
	}
	return n.oracle.ScoreMerge(c1.Features(), c2.Features()) > n.cfg.PredictionThreshold
}

// CanSplit validates a split proposal against the oracle.
func (n *Network) CanSplit(c *community.Community) bool {
	return n.oracle.ScoreSplit(c.Features()) > n.cfg.PredictionThreshold
}

// liveLocked reports whether the community is still registered.
func (n *Network) liveLocked(c *community.Community) bool {
	_, ok := n.byID[c.ID()]
	return ok && !c.Removed()
}

func (n *Network) removeLocked(id int64) {
	delete(n.byID, id)
	for i, c := range n.communities {
		if c.ID() == id {
			n.communities = append(n.communities[:i], n.communities[i+1:]...)
			return
		}
	}
}

func (n *Network) addLocked(c *community.Community) {
	n.communities = append(n.communities, c)
	n.byID[c.ID()] = c
}

// restartAllLocked flags every forger in the network and redraws its
// proposal wait, draining stale proposals after a topology change.
func (n *Network) restartAllLocked() {
	for _, c := range n.communities {
		for _, f := range c.Forgers() {
			f.FlagRestart()
			f.RedrawWait(n.rng, n.cfg.RequestTimeout)
		}
	}
}

// ProposeMerge handles a forger's merge proposal: a random neighbor is
// drawn and the merge executed under the mutation lock. Quorum failures
// and oracle rejections return silently with no state change.
func (n *Network) ProposeMerge(proposer *community.Forger, c *community.Community) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if proposer.ConsumeRestart() {
		proposer.RedrawWait(n.rng, n.cfg.RequestTimeout)
		return ErrStaleProposal
	}
	if !n.liveLocked(c) || len(n.communities) == 0 {
		return ErrUnknownCommunity
	}
	neighbor := n.communities[n.rng.IntN(len(n.communities))]
	return n.mergeLocked(proposer, c, neighbor)
}

// ProposeSplit handles a forger's split proposal under the mutation lock.
func (n *Network) ProposeSplit(proposer *community.Forger, c *community.Community) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if proposer.ConsumeRestart() {
		proposer.RedrawWait(n.rng, n.cfg.RequestTimeout)
		return ErrStaleProposal
	}
	if !n.liveLocked(c) {
		return ErrUnknownCommunity
	}
	return n.splitLocked(proposer, c)
}

// Merge executes a merge between two named communities under the
// mutation lock, on behalf of the proposer.
func (n *Network) Merge(proposer *community.Forger, c1, c2 *community.Community) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if proposer.ConsumeRestart() {
		proposer.RedrawWait(n.rng, n.cfg.RequestTimeout)
		return ErrStaleProposal
	}
	if !n.liveLocked(c1) {
		return ErrUnknownCommunity
	}
	return n.mergeLocked(proposer, c1, c2)
}

// Split executes a split of the named community under the mutation lock,
// on behalf of the proposer.
func (n *Network) Split(proposer *community.Forger, c *community.Community) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if proposer.ConsumeRestart() {
		proposer.RedrawWait(n.rng, n.cfg.RequestTimeout)
		return ErrStaleProposal
	}
	if !n.liveLocked(c) {
		return ErrUnknownCommunity
	}
	return n.splitLocked(proposer, c)
}

// mergeLocked executes a merge between two live communities. The
// initiating community survives, absorbing the neighbor.
func (n *Network) mergeLocked(proposer *community.Forger, c1, c2 *community.Community) error {
	if !n.liveLocked(c2) {
		return ErrUnknownCommunity
	}
	if !n.CanMerge(c1, c2) {
		return ErrNotRecommended
	}
	rules := community.VoteRules{Quorum: n.cfg.MergeQuorum, Dissent: n.cfg.DissentProbability}
	ok, err := c1.Merge(c2, n.rng, rules)
	if err != nil {
		log.Network.Error().Err(err).
			Int64("community_id", c1.ID()).
			Int64("neighbor_id", c2.ID()).
			Msg("merge aborted")
		return err
	}
	if !ok {
		return ErrQuorumFailure
	}
	c2.MarkRemoved()
	n.removeLocked(c2.ID())
	n.numMerges++
	if err := c1.AccrueFee(proposer, n.cfg.MergeSplitFee); err != nil {
		log.Network.Warn().Err(err).Msg("merge fee accrual failed")
	}
	n.restartAllLocked()
	return nil
}

// communityIDSpace bounds the random ids drawn for split-born communities.
const communityIDSpace = int64(10_000_000_000)

// freshIDLocked draws a random community id not already in the roster.
func (n *Network) freshIDLocked() int64 {
	for {
		id := n.rng.Int64N(communityIDSpace)
		if _, taken := n.byID[id]; !taken {
			return id
		}
	}
}

// splitLocked executes a split of a live community into two.
func (n *Network) splitLocked(proposer *community.Forger, c *community.Community) error {
	if !n.CanSplit(c) {
		return ErrNotRecommended
	}
	stayID := n.freshIDLocked()
	secedeID := stayID
	for secedeID == stayID {
		secedeID = n.freshIDLocked()
	}
	rules := community.VoteRules{Quorum: n.cfg.SplitQuorum, Dissent: n.cfg.DissentProbability}
	ok, stay, secede, err := c.Split(n.rng, rules, stayID, secedeID)
	if errors.Is(err, community.ErrTooSmall) {
		return err
	}
	if err != nil {
		log.Network.Error().Err(err).
			Int64("community_id", c.ID()).
			Msg("split aborted")
		return err
	}
	if !ok {
		return ErrQuorumFailure
	}
	c.MarkRemoved()
	n.removeLocked(c.ID())
	n.addLocked(stay)
	n.addLocked(secede)
	n.numSplits++

	feeTarget := stay
	if secede.Contains(proposer.PublicKey()) {
		feeTarget = secede
	}
	if err := feeTarget.AccrueFee(proposer, n.cfg.MergeSplitFee); err != nil {
		log.Network.Warn().Err(err).Msg("split fee accrual failed")
	}
	n.restartAllLocked()

	// The consumed community's worker exits on its next liveness check;
	// both halves get fresh workers.
	n.startWorkerLocked(stay)
	n.startWorkerLocked(secede)
	return nil
}

// Summarize reports the network roster at startup.
func (n *Network) Summarize() {
	n.mu.Lock()
	defer n.mu.Unlock()
	log.Network.Info().Int("communities", len(n.communities)).Msg("network loaded")
	for _, c := range n.communities {
		keys := make([]string, 0, c.NodeCount())
		for _, f := range c.Forgers() {
			keys = append(keys, f.PublicKey())
		}
		log.Network.Info().
			Int64("community_id", c.ID()).
			Strs("forgers", keys).
			Int("pool", c.PoolSize()).
			Msg("community loaded")
	}
}
