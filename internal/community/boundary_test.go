package community

import (
	"errors"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/forgenet/mergesplit/internal/chain"
	"github.com/forgenet/mergesplit/pkg/block"
	"github.com/forgenet/mergesplit/pkg/tx"
)

func TestUnspentOutputsTracksSpends(t *testing.T) {
	e := setupCommunity(t, 1, []uint64{60, 40}, nil)
	tr := transfer(t, e.genesis, e.keys[0], 60, "cc00")
	if !e.c.Broadcast(block.NewNormal(tr.Serialize(), mustHead(t, e.c)), e.v) {
		t.Fatal("transfer must broadcast")
	}

	live, unmatched, err := unspentOutputs(e.c.Forgers()[0].Chain.LongestTip())
	if err != nil {
		t.Fatalf("unspentOutputs: %v", err)
	}
	if unmatched != 0 {
		t.Errorf("unmatched spends = %d, want 0", unmatched)
	}
	want := map[outputRef]bool{
		{Number: tr.Number, Value: 60, PubKey: "cc00"}:                          true,
		{Number: e.genesis.Number, Value: 40, PubKey: e.keys[1].PublicKeyHex()}: true,
	}
	if len(live) != len(want) {
		t.Fatalf("live outputs = %d, want %d", len(live), len(want))
	}
	for _, ref := range live {
		if !want[ref] {
			t.Errorf("unexpected live output %+v", ref)
		}
	}
}

// corruptedChain builds a chain whose head block spends an output no
// transaction inside the boundary window ever created, breaking the
// spent/retained multiset.
func corruptedChain(t *testing.T) *chain.Chain {
	t.Helper()
	genesis := tx.NewProtocol(nil, []tx.Output{{Value: 60, PubKey: "aa00"}})
	ch := chain.New()
	if err := ch.SetGenesis(block.NewGenesis(genesis.Serialize())); err != nil {
		t.Fatalf("SetGenesis: %v", err)
	}
	ghost := tx.NewProtocol(
		[]tx.Input{{RefNumber: genesis.Number, Output: tx.Output{Value: 99, PubKey: "gh05"}}},
		[]tx.Output{{Value: 99, PubKey: "bb11"}},
	)
	head, err := ch.HeadHash()
	if err != nil {
		t.Fatalf("HeadHash: %v", err)
	}
	if err := ch.AddBlock(block.NewNormal(ghost.Serialize(), head)); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	return ch
}

func TestUnspentOutputsReportsUnmatchedSpend(t *testing.T) {
	ch := corruptedChain(t)
	_, unmatched, err := unspentOutputs(ch.LongestTip())
	if err != nil {
		t.Fatalf("unspentOutputs: %v", err)
	}
	if unmatched != 1 {
		t.Errorf("unmatched spends = %d, want 1", unmatched)
	}
}

func TestMergeRejectsUnaccountedSpend(t *testing.T) {
	corrupt := corruptedChain(t)
	clean := setupCommunity(t, 1, []uint64{25}, nil)
	cleanTip := clean.c.Forgers()[0].Chain.LongestTip()

	if _, err := buildMergeTransaction(corrupt.LongestTip(), cleanTip); !errors.Is(err, ErrConservation) {
		t.Errorf("corrupt initiating chain: got %v, want ErrConservation", err)
	}
	if _, err := buildMergeTransaction(cleanTip, corrupt.LongestTip()); !errors.Is(err, ErrConservation) {
		t.Errorf("corrupt neighbor chain: got %v, want ErrConservation", err)
	}
}

func TestSplitClassifyRejectsUnaccountedSpend(t *testing.T) {
	ch := corruptedChain(t)
	seceding := mapset.NewThreadUnsafeSet[string]()
	seceding.Add("aa00")

	if _, _, _, err := splitClassify(ch.LongestTip(), seceding); !errors.Is(err, ErrConservation) {
		t.Errorf("got %v, want ErrConservation", err)
	}
}

func TestSplitConservation(t *testing.T) {
	values := []uint64{10, 20, 30, 40, 50, 60}
	e := setupCommunity(t, 1, values, nil)

	ok, stay, secede, err := e.c.Split(e.rng, VoteRules{Quorum: 0.5, Dissent: 0}, 100, 200)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if !ok {
		t.Fatal("split with zero dissent must pass quorum")
	}
	if stay.NodeCount() != 3 || secede.NodeCount() != 3 {
		t.Fatalf("partition = %d/%d, want 3/3", stay.NodeCount(), secede.NodeCount())
	}
	if stay.ID() != 100 || secede.ID() != 200 {
		t.Errorf("ids = %d/%d, want 100/200", stay.ID(), secede.ID())
	}

	// The staying half carries a split boundary at its head.
	head := stay.Forgers()[0].Chain.LongestTip()
	if head.Block.Kind != block.KindSplit {
		t.Fatalf("stay head kind = %s, want split", head.Block.Kind)
	}
	splitTx, err := head.Block.Transaction()
	if err != nil {
		t.Fatalf("decode split tx: %v", err)
	}
	sent := splitTx.SumInputs() - splitTx.SumOutputs()

	// Every seceding forger starts on an identical fresh genesis whose
	// outputs carry exactly the evacuated coins.
	for i, f := range secede.Forgers() {
		tip := f.Chain.LongestTip()
		if f.Chain.LongestLength() != 1 || tip.Block.Kind != block.KindGenesis {
			t.Fatalf("secede forger %d chain not a fresh genesis", i)
		}
	}
	genTx, err := secede.Forgers()[0].Chain.LongestTip().Block.Transaction()
	if err != nil {
		t.Fatalf("decode secede genesis: %v", err)
	}
	if got := genTx.SumOutputs(); got != sent {
		t.Errorf("secede genesis issues %d, split evacuated %d", got, sent)
	}
	if len(genTx.Inputs) != 0 {
		t.Error("secede genesis must have no inputs")
	}

	// Each seceding forger's balance survives the move.
	for _, f := range secede.Forgers() {
		var got uint64
		for _, out := range genTx.Outputs {
			if out.PubKey == f.PublicKey() {
				got += out.Value
			}
		}
		if got != uint64(f.Stake) {
			t.Errorf("forger %s: genesis balance %d, stake %d", f.PublicKey()[:8], got, f.Stake)
		}
	}

	if length, okSeq := stay.CheckMatchedSequences(); !okSeq || length != 2 {
		t.Errorf("stay matched sequences = (%d, %v), want (2, true)", length, okSeq)
	}
	if _, okSeq := secede.CheckMatchedSequences(); !okSeq {
		t.Error("seceding forgers must share the fresh genesis")
	}
}

func TestSplitTooSmall(t *testing.T) {
	e := setupCommunity(t, 1, []uint64{10}, nil)
	if _, _, _, err := e.c.Split(e.rng, VoteRules{Quorum: 0.5, Dissent: 0}, 100, 200); !errors.Is(err, ErrTooSmall) {
		t.Errorf("got %v, want ErrTooSmall", err)
	}
}

func TestSplitQuorumFailure(t *testing.T) {
	e := setupCommunity(t, 1, []uint64{10, 20}, nil)
	ok, stay, secede, err := e.c.Split(e.rng, VoteRules{Quorum: 0.5, Dissent: 1}, 100, 200)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if ok || stay != nil || secede != nil {
		t.Fatal("full dissent must fail the quorum with no state change")
	}
	for i, f := range e.c.Forgers() {
		if f.Chain.LongestLength() != 1 {
			t.Errorf("forger %d chain grew after a rejected split", i)
		}
	}
}

func TestMergeAbsorbsNeighbor(t *testing.T) {
	e1 := setupCommunity(t, 1, []uint64{60, 40, 0}, nil)
	e2 := setupCommunity(t, 2, []uint64{30, 20, 10}, nil)

	ok, err := e1.c.Merge(e2.c, e1.rng, VoteRules{Quorum: 2.0 / 3.0, Dissent: 0})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !ok {
		t.Fatal("merge with zero dissent must pass quorum")
	}
	if e1.c.NodeCount() != 6 {
		t.Fatalf("survivor forger count = %d, want 6", e1.c.NodeCount())
	}

	head := e1.c.Forgers()[0].Chain.LongestTip()
	if head.Block.Kind != block.KindMerge {
		t.Fatalf("head kind = %s, want merge", head.Block.Kind)
	}
	if head.Block.Prev2.IsZero() {
		t.Error("merge block must reference the absorbed community's head")
	}

	mergeTx, err := head.Block.Transaction()
	if err != nil {
		t.Fatalf("decode merge tx: %v", err)
	}
	if mergeTx.SumInputs() != mergeTx.SumOutputs() {
		t.Error("merge transaction must conserve exactly")
	}
	if got := mergeTx.SumOutputs(); got != 160 {
		t.Errorf("merge carries %d coins, want 160 (both genesis totals)", got)
	}

	if length, okSeq := e1.c.CheckMatchedSequences(); !okSeq || length != 2 {
		t.Errorf("matched sequences = (%d, %v), want (2, true)", length, okSeq)
	}

	// Absorbed forgers own clones, not the survivor's chain objects.
	forgers := e1.c.Forgers()
	if forgers[3].Chain == forgers[0].Chain {
		t.Error("absorbed forger must own a chain copy")
	}
}

func TestMergeQuorumFailure(t *testing.T) {
	e1 := setupCommunity(t, 1, []uint64{60}, nil)
	e2 := setupCommunity(t, 2, []uint64{30}, nil)

	ok, err := e1.c.Merge(e2.c, e1.rng, VoteRules{Quorum: 2.0 / 3.0, Dissent: 1})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if ok {
		t.Fatal("full dissent must fail the quorum")
	}
	if e1.c.NodeCount() != 1 || e2.c.NodeCount() != 1 {
		t.Error("a rejected merge must not move forgers")
	}
	if e1.c.Forgers()[0].Chain.LongestLength() != 1 {
		t.Error("a rejected merge must not grow chains")
	}
}

func TestMergeTransactionBuild(t *testing.T) {
	e1 := setupCommunity(t, 1, []uint64{60, 40}, nil)
	e2 := setupCommunity(t, 2, []uint64{25}, nil)

	mergeTx, err := buildMergeTransaction(
		e1.c.Forgers()[0].Chain.LongestTip(),
		e2.c.Forgers()[0].Chain.LongestTip(),
	)
	if err != nil {
		t.Fatalf("buildMergeTransaction: %v", err)
	}
	if len(mergeTx.Inputs) != 3 || len(mergeTx.Outputs) != 3 {
		t.Fatalf("merge tx shape = %d in / %d out, want 3/3", len(mergeTx.Inputs), len(mergeTx.Outputs))
	}
	if mergeTx.SumInputs() != 125 || mergeTx.SumOutputs() != 125 {
		t.Errorf("merge tx sums = %d/%d, want 125/125", mergeTx.SumInputs(), mergeTx.SumOutputs())
	}
	if !mergeTx.CheckNumber() {
		t.Error("merge tx number must be reproducible")
	}
}
