// Package community implements forger sets, per-community block
// production, and the merge/split boundary algebra.
package community

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/forgenet/mergesplit/internal/chain"
	"github.com/forgenet/mergesplit/pkg/crypto"
)

// Forger is a stake-holding participant that validates and appends
// blocks. Stake starts at zero and follows the stake delta of every
// accepted transaction; it may go negative transiently before balancing.
type Forger struct {
	pub   string
	priv  *crypto.PrivateKey
	Stake int64
	Chain *chain.Chain

	// Proposal pacing. readyAt is the earliest instant the forger's next
	// merge/split proposal may fire, stored as unix nanos so the worker
	// can read it without taking the topology lock.
	wait    time.Duration
	readyAt atomic.Int64
	restart atomic.Bool
}

// NewForger creates a forger from a hex keypair with an empty chain.
func NewForger(pubHex, privHex string) (*Forger, error) {
	priv, err := crypto.PrivateKeyFromHex(privHex)
	if err != nil {
		return nil, fmt.Errorf("forger %s: %w", pubHex, err)
	}
	return &Forger{pub: pubHex, priv: priv, Chain: chain.New()}, nil
}

// PublicKey returns the forger's hex public key.
func (f *Forger) PublicKey() string { return f.pub }

// Key returns the forger's private key, used to sign fee transactions
// issued in its name.
func (f *Forger) Key() *crypto.PrivateKey { return f.priv }

// ApproveMerge is the forger's nullary vote on a merge proposal.
// A forger dissents with the configured probability.
func (f *Forger) ApproveMerge(rng *rand.Rand, dissent float64) bool {
	return rng.Float64() >= dissent
}

// ApproveSplit is the forger's nullary vote on a split proposal.
func (f *Forger) ApproveSplit(rng *rand.Rand, dissent float64) bool {
	return rng.Float64() >= dissent
}

// RedrawWait assigns a fresh random proposal wait from [0, timeout) and
// pushes the forger's next proposal past it.
func (f *Forger) RedrawWait(rng *rand.Rand, timeout time.Duration) {
	f.wait = time.Duration(rng.Int64N(int64(timeout)))
	f.readyAt.Store(time.Now().Add(f.wait).UnixNano())
}

// ProposalReady reports whether the forger's pacing delay has elapsed.
func (f *Forger) ProposalReady(now time.Time) bool {
	return now.UnixNano() >= f.readyAt.Load()
}

// FlagRestart marks the forger's in-flight proposals stale. Set on every
// forger after a successful merge or split.
func (f *Forger) FlagRestart() {
	f.restart.Store(true)
}

// RestartPending reports the restart flag without clearing it.
func (f *Forger) RestartPending() bool {
	return f.restart.Load()
}

// ConsumeRestart clears the restart flag, reporting whether it was set.
// A proposer observing a set flag on entry to the critical section must
// abort its proposal.
func (f *Forger) ConsumeRestart() bool {
	return f.restart.Swap(false)
}
