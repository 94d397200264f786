package network

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgenet/mergesplit/internal/community"
	"github.com/forgenet/mergesplit/internal/consensus"
	"github.com/forgenet/mergesplit/internal/log"
)

// workerSet tracks the worker pool driving the communities. Workers are
// registered under the mutation lock; split-born communities get workers
// while the run is already in flight.
type workerSet struct {
	group   *errgroup.Group
	ctx     context.Context
	started int
	seq     uint64
}

// Run starts one worker per community and blocks until every worker has
// quiesced: a worker terminates when no pool transaction validates for
// its community or the community was consumed by a topology change.
func (n *Network) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	n.mu.Lock()
	n.workers.group = g
	n.workers.ctx = gctx
	for _, c := range n.communities {
		n.startWorkerLocked(c)
	}
	n.mu.Unlock()
	return g.Wait()
}

// WorkersStarted returns how many workers were ever spun up.
func (n *Network) WorkersStarted() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.workers.started
}

// startWorkerLocked registers a worker for the community with its own
// seeded randomness stream.
func (n *Network) startWorkerLocked(c *community.Community) {
	if n.workers.group == nil {
		return
	}
	n.workers.seq++
	n.workers.started++
	seed := n.workers.seq
	n.workers.group.Go(func() error {
		return n.runWorker(n.workers.ctx, c, seed)
	})
}

// runWorker is the per-community worker body. Each round samples a
// stake-weighted creator, occasionally routes a merge or split proposal
// through the network, and otherwise produces one block from the pool.
func (n *Network) runWorker(ctx context.Context, c *community.Community, seq uint64) error {
	rng := rand.New(rand.NewPCG(n.cfg.Seed, seq))
	validator := consensus.NewValidator()
	logger := log.WithCommunity(c.ID())
	logger.Debug().Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if c.Removed() {
			logger.Debug().Msg("worker exiting: community consumed")
			return nil
		}
		if !c.ValidTransactionExists(validator) {
			logger.Debug().Msg("worker exiting: pool quiescent")
			return nil
		}

		creator := c.SelectCreator(rng)
		if creator == nil {
			return nil
		}

		// Proposals run outside the community lock so a concurrent
		// topology change never waits on this worker beyond its current
		// production round.
		if rng.Float64() < n.cfg.ProposalProbability && creator.ProposalReady(time.Now()) {
			var err error
			if rng.IntN(2) == 0 {
				err = n.ProposeSplit(creator, c)
			} else {
				err = n.ProposeMerge(creator, c)
			}
			if err != nil {
				logger.Debug().Err(err).Msg("proposal not executed")
			}
			if c.Removed() {
				continue
			}
		}

		c.ProduceRound(creator, validator)
	}
}
