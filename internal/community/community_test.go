package community

import (
	"math/rand/v2"
	"testing"

	"github.com/forgenet/mergesplit/internal/consensus"
	"github.com/forgenet/mergesplit/pkg/block"
	"github.com/forgenet/mergesplit/pkg/crypto"
	"github.com/forgenet/mergesplit/pkg/tx"
	"github.com/forgenet/mergesplit/pkg/types"
)

// communityEnv bundles a community whose genesis funds every forger.
type communityEnv struct {
	c       *Community
	keys    []*crypto.PrivateKey
	genesis *tx.Transaction
	v       *consensus.Validator
	rng     *rand.Rand
}

// setupCommunity builds a community of len(values) forgers; forger i is
// funded with values[i] by the genesis transaction. Extra pool
// transactions can be appended through the returned env.
func setupCommunity(t *testing.T, id int64, values []uint64, pool []*tx.Transaction) *communityEnv {
	t.Helper()
	keys := make([]*crypto.PrivateKey, len(values))
	pairs := make([][2]string, len(values))
	outputs := make([]tx.Output, len(values))
	for i := range values {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		keys[i] = key
		pairs[i] = [2]string{key.PublicKeyHex(), key.SerializeHex()}
		outputs[i] = tx.Output{Value: values[i], PubKey: key.PublicKeyHex()}
	}
	genesis := tx.NewProtocol(nil, outputs)
	fullPool := append([]*tx.Transaction{genesis}, pool...)
	c, err := New(id, fullPool, pairs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.InstallGenesis(); err != nil {
		t.Fatalf("InstallGenesis: %v", err)
	}
	return &communityEnv{
		c:       c,
		keys:    keys,
		genesis: genesis,
		v:       consensus.NewValidator(),
		rng:     rand.New(rand.NewPCG(7, 11)),
	}
}

// transfer builds a signed full-value transfer between two forgers,
// spending an output created by the from transaction.
func transfer(t *testing.T, from *tx.Transaction, key *crypto.PrivateKey, value uint64, to string) *tx.Transaction {
	t.Helper()
	tr, err := tx.NewSigned(
		[]tx.Input{{RefNumber: from.Number, Output: tx.Output{Value: value, PubKey: key.PublicKeyHex()}}},
		[]tx.Output{{Value: value, PubKey: to}},
		key,
	)
	if err != nil {
		t.Fatalf("NewSigned: %v", err)
	}
	return tr
}

func TestInstallGenesisStake(t *testing.T) {
	e := setupCommunity(t, 1, []uint64{10, 20, 30}, nil)
	for i, f := range e.c.Forgers() {
		if f.Chain.LongestLength() != 1 {
			t.Errorf("forger %d chain length = %d, want 1", i, f.Chain.LongestLength())
		}
		want := int64([]uint64{10, 20, 30}[i])
		if f.Stake != want {
			t.Errorf("forger %d stake = %d, want %d", i, f.Stake, want)
		}
	}
}

func TestSelectCreatorFollowsStake(t *testing.T) {
	e := setupCommunity(t, 1, []uint64{100, 0, 0}, nil)
	for i := 0; i < 20; i++ {
		creator := e.c.SelectCreator(e.rng)
		if creator.PublicKey() != e.keys[0].PublicKeyHex() {
			t.Fatalf("draw %d: creator with zero stake selected", i)
		}
	}
}

func TestSelectCreatorUniformFallback(t *testing.T) {
	e := setupCommunity(t, 1, []uint64{0, 0, 0}, nil)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		creator := e.c.SelectCreator(e.rng)
		if creator == nil {
			t.Fatal("creator must not be nil")
		}
		seen[creator.PublicKey()] = true
	}
	if len(seen) != 3 {
		t.Errorf("uniform fallback selected %d distinct forgers, want 3", len(seen))
	}
}

func TestUpdateStake(t *testing.T) {
	e := setupCommunity(t, 1, []uint64{50, 0}, nil)
	tr := transfer(t, e.genesis, e.keys[0], 50, e.keys[1].PublicKeyHex())
	e.c.UpdateStake(tr)

	forgers := e.c.Forgers()
	if forgers[0].Stake != 0 {
		t.Errorf("sender stake = %d, want 0", forgers[0].Stake)
	}
	if forgers[1].Stake != 50 {
		t.Errorf("receiver stake = %d, want 50", forgers[1].Stake)
	}
}

func TestProduceRoundAndQuiescence(t *testing.T) {
	e := setupCommunity(t, 1, []uint64{50, 0}, nil)
	tr := transfer(t, e.genesis, e.keys[0], 50, e.keys[1].PublicKeyHex())
	e.c.ExtendPool([]*tx.Transaction{tr})

	if !e.c.ValidTransactionExists(e.v) {
		t.Fatal("pool transfer must validate before production")
	}

	creator := e.c.Forgers()[0]
	if !e.c.ProduceRound(creator, e.v) {
		t.Fatal("production round must accept the transfer")
	}
	for i, f := range e.c.Forgers() {
		if f.Chain.LongestLength() != 2 {
			t.Errorf("forger %d chain length = %d, want 2", i, f.Chain.LongestLength())
		}
	}
	if got := e.c.Forgers()[1].Stake; got != 50 {
		t.Errorf("receiver stake = %d, want 50", got)
	}

	// The included transaction stays in the pool but is now stale; the
	// community quiesces.
	if e.c.PoolSize() != 1 {
		t.Errorf("pool size = %d, want 1 (included transactions are retained)", e.c.PoolSize())
	}
	if e.c.ValidTransactionExists(e.v) {
		t.Error("community must quiesce once the only transfer is on chain")
	}
}

func TestBroadcastRejectsDoubleSpend(t *testing.T) {
	e := setupCommunity(t, 1, []uint64{50, 0}, nil)
	first := transfer(t, e.genesis, e.keys[0], 50, e.keys[1].PublicKeyHex())
	if !e.c.Broadcast(block.NewNormal(first.Serialize(), mustHead(t, e.c)), e.v) {
		t.Fatal("first spend must broadcast")
	}
	stakesBefore := snapshotStakes(e.c)

	respend := transfer(t, e.genesis, e.keys[0], 50, e.keys[0].PublicKeyHex())
	if e.c.Broadcast(block.NewNormal(respend.Serialize(), mustHead(t, e.c)), e.v) {
		t.Fatal("double spend must be rejected by every verifier")
	}
	for i, f := range e.c.Forgers() {
		if f.Chain.LongestLength() != 2 {
			t.Errorf("forger %d chain grew after a rejected broadcast", i)
		}
	}
	if got := snapshotStakes(e.c); !equalStakes(got, stakesBefore) {
		t.Error("stake table must be untouched by a rejected broadcast")
	}
}

func TestAccrueFee(t *testing.T) {
	e := setupCommunity(t, 1, []uint64{50, 0}, nil)
	receiver := e.c.Forgers()[1]
	if err := e.c.AccrueFee(receiver, 5); err != nil {
		t.Fatalf("AccrueFee: %v", err)
	}
	if receiver.Stake != 5 {
		t.Errorf("receiver stake = %d, want 5", receiver.Stake)
	}
	for i, f := range e.c.Forgers() {
		if f.Chain.LongestLength() != 2 {
			t.Errorf("forger %d chain length = %d, want 2 after fee block", i, f.Chain.LongestLength())
		}
		if got := f.Chain.LongestTip().Block.Kind; got != block.KindFee {
			t.Errorf("forger %d head kind = %s, want fee", i, got)
		}
	}
	if length, ok := e.c.CheckMatchedSequences(); !ok || length != 2 {
		t.Errorf("matched sequences = (%d, %v), want (2, true)", length, ok)
	}
}

func TestCheckMatchedSequencesDetectsDivergence(t *testing.T) {
	e := setupCommunity(t, 1, []uint64{50, 0}, nil)
	if _, ok := e.c.CheckMatchedSequences(); !ok {
		t.Fatal("fresh community must agree on its ledger")
	}

	// One forger appends a private block.
	rogue := e.c.Forgers()[0]
	extra := tx.NewProtocol(nil, []tx.Output{{Value: 1, PubKey: "ff"}})
	if err := rogue.Chain.AddBlock(block.NewNormal(extra.Serialize(), rogue.Chain.LongestTip().Hash)); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	if _, ok := e.c.CheckMatchedSequences(); ok {
		t.Error("divergent chains must be detected")
	}
}

func TestAddForgerGetsChainCopy(t *testing.T) {
	e := setupCommunity(t, 1, []uint64{50}, nil)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := e.c.Add(key.PublicKeyHex(), key.SerializeHex()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	forgers := e.c.Forgers()
	if len(forgers) != 2 {
		t.Fatalf("forger count = %d, want 2", len(forgers))
	}
	added := forgers[1]
	if added.Chain.LongestLength() != 1 {
		t.Errorf("added forger chain length = %d, want 1", added.Chain.LongestLength())
	}
	if added.Chain == forgers[0].Chain {
		t.Error("added forger must own a chain copy, not share the donor's")
	}
	if !e.c.Contains(key.PublicKeyHex()) {
		t.Error("added forger must be found by address")
	}
}

func mustHead(t *testing.T, c *Community) types.Hash {
	t.Helper()
	head, err := c.Forgers()[0].Chain.HeadHash()
	if err != nil {
		t.Fatalf("HeadHash: %v", err)
	}
	return head
}

func snapshotStakes(c *Community) map[string]int64 {
	out := make(map[string]int64)
	for _, f := range c.Forgers() {
		out[f.PublicKey()] = f.Stake
	}
	return out
}

func equalStakes(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
