// Package sim wires parsed input bundles into a running network and
// reports the outcome after quiescence.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/forgenet/mergesplit/config"
	"github.com/forgenet/mergesplit/internal/codec"
	"github.com/forgenet/mergesplit/internal/community"
	"github.com/forgenet/mergesplit/internal/consensus"
	"github.com/forgenet/mergesplit/internal/log"
	"github.com/forgenet/mergesplit/internal/network"
)

// ErrEmptyPool marks a community whose pool holds no transactions; the
// run aborts at startup.
var ErrEmptyPool = errors.New("community pool is empty")

// Driver owns one simulation run: parse, genesis install, worker run,
// report, chain log output.
type Driver struct {
	cfg     config.Config
	net     *network.Network
	elapsed time.Duration
}

// NewDriver parses the input bundle and assembles the network. Community
// ids follow input order.
func NewDriver(cfg config.Config, oracle consensus.Oracle, inputPath string) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	records, err := codec.ReadBundle(inputPath)
	if err != nil {
		return nil, err
	}
	communities := make([]*community.Community, 0, len(records))
	for i, rec := range records {
		if len(rec.Pool) == 0 {
			return nil, fmt.Errorf("%w: community %d", ErrEmptyPool, i)
		}
		c, err := community.New(int64(i), rec.Pool, rec.Keys)
		if err != nil {
			return nil, err
		}
		communities = append(communities, c)
	}
	return &Driver{cfg: cfg, net: network.New(cfg, oracle, communities)}, nil
}

// Network exposes the assembled network, mainly for tests.
func (d *Driver) Network() *network.Network { return d.net }

// Initialize installs each community's genesis block from the head of
// its pool and summarizes the roster.
func (d *Driver) Initialize() error {
	for _, c := range d.net.Communities() {
		if err := c.InstallGenesis(); err != nil {
			return err
		}
	}
	d.net.Summarize()
	return nil
}

// Simulate runs all community workers until quiescence.
func (d *Driver) Simulate(ctx context.Context) error {
	if err := d.Initialize(); err != nil {
		return err
	}
	log.Sim.Info().Msg("initialized simulation")
	start := time.Now()
	err := d.net.Run(ctx)
	d.elapsed = time.Since(start)
	return err
}

// Report writes the run summary: community count, workers started,
// per-community verified ledger length (or a diagnostic when forgers
// disagree), elapsed time, and topology change counts.
func (d *Driver) Report(w io.Writer) {
	communities := d.net.Communities()
	fmt.Fprintf(w, "%d threads spun up\n", d.net.WorkersStarted())
	fmt.Fprintf(w, "%d communities exist after processing\n", len(communities))
	for _, c := range communities {
		if length, ok := c.CheckMatchedSequences(); ok {
			fmt.Fprintf(w, "Length of verified ledger for community %d: %d\n", c.ID(), length)
		} else {
			fmt.Fprintf(w, "Community %d: forgers disagree on the longest chain\n", c.ID())
		}
	}
	fmt.Fprintf(w, "Elapsed time (sec): %.3f\n", d.elapsed.Seconds())
	fmt.Fprintf(w, "Executed: %d merges, %d splits\n", d.net.NumMerges(), d.net.NumSplits())
}

// WriteOutputs logs every surviving community's per-node chains under
// the output root.
func (d *Driver) WriteOutputs(root string) error {
	for _, c := range d.net.Communities() {
		if err := codec.WriteChainLogs(root, c); err != nil {
			return err
		}
	}
	return nil
}
