// Package consensus implements transaction validation against a chain
// prefix and the merge/split scoring oracle.
package consensus

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/forgenet/mergesplit/internal/chain"
	"github.com/forgenet/mergesplit/pkg/block"
	"github.com/forgenet/mergesplit/pkg/crypto"
	"github.com/forgenet/mergesplit/pkg/tx"
	"github.com/forgenet/mergesplit/pkg/types"
)

// Validation errors, one per rule.
var (
	ErrStaleNumber     = errors.New("transaction number already on chain")
	ErrNumberMismatch  = errors.New("transaction number does not match its content hash")
	ErrMissingInput    = errors.New("input references a transaction not on chain")
	ErrOutputMismatch  = errors.New("referenced transaction has no matching output")
	ErrEmptyInputs     = errors.New("empty-input transaction outside a boundary block")
	ErrMultipleSigners = errors.New("inputs do not share a single pubkey")
	ErrBadSignature    = errors.New("signature does not verify against the inputs' pubkey")
	ErrDoubleSpend     = errors.New("input already consumed on chain")
	ErrConservation    = errors.New("input and output sums differ")
)

// decodedCacheSize bounds the decoded-transaction cache. Validation walks
// revisit the same chain prefix on every pool scan, so decoding is the
// hot path.
const decodedCacheSize = 8192

// Validator performs pure checks of a transaction against a chain prefix.
// It is safe for use by a single worker; each community worker owns one.
type Validator struct {
	cache *lru.Cache[types.Hash, *tx.Transaction]
}

// NewValidator creates a validator with a fresh decode cache.
func NewValidator() *Validator {
	cache, _ := lru.New[types.Hash, *tx.Transaction](decodedCacheSize)
	return &Validator{cache: cache}
}

// txAt decodes the transaction carried by a chain node, memoized by the
// node's block hash.
func (v *Validator) txAt(n *chain.Node) (*tx.Transaction, error) {
	if t, ok := v.cache.Get(n.Hash); ok {
		return t, nil
	}
	t, err := tx.Deserialize(n.Block.Tx)
	if err != nil {
		return nil, fmt.Errorf("decode chain transaction %s: %w", n.Hash, err)
	}
	v.cache.Add(n.Hash, t)
	return t, nil
}

// Validate accepts a transaction against the chain prefix ending at prev,
// in the context of a block of the given kind. Signature and conservation
// checks are skipped for fee, split and merge kinds; those blocks are
// protocol-issued and do not conserve the same way.
func (v *Validator) Validate(t *tx.Transaction, prev *chain.Node, kind block.Kind) error {
	exempt := kind == block.KindFee || kind == block.KindSplit || kind == block.KindMerge

	if err := v.checkFreshness(t, prev); err != nil {
		return err
	}
	if !t.CheckNumber() {
		return ErrNumberMismatch
	}
	if err := v.checkInputs(t, prev); err != nil {
		return err
	}
	if !exempt {
		if err := v.checkSignature(t); err != nil {
			return err
		}
	}
	if err := v.checkNoDoubleSpend(t, prev); err != nil {
		return err
	}
	if !exempt {
		if t.SumInputs() != t.SumOutputs() {
			return ErrConservation
		}
	}
	return nil
}

// VerifyProposal checks a proposed block against a chain: the parent must
// exist and the carried transaction must validate against it.
func (v *Validator) VerifyProposal(c *chain.Chain, b *block.Block) error {
	prev, ok := c.NodeByHash(b.Prev)
	if !ok {
		return chain.ErrUnknownPrev
	}
	t, err := b.Transaction()
	if err != nil {
		return err
	}
	return v.Validate(t, prev, b.Kind)
}

// checkFreshness rejects a transaction whose number already appears in
// the walk from prev back to genesis.
func (v *Validator) checkFreshness(t *tx.Transaction, prev *chain.Node) error {
	for cur := prev; cur != nil; cur = cur.Parent {
		onChain, err := v.txAt(cur)
		if err != nil {
			return err
		}
		if onChain.Number == t.Number {
			return ErrStaleNumber
		}
	}
	return nil
}

// findSource locates the transaction a given ref number names in the walk
// from prev back to genesis.
func (v *Validator) findSource(ref types.Hash, prev *chain.Node) (*tx.Transaction, error) {
	for cur := prev; cur != nil; cur = cur.Parent {
		onChain, err := v.txAt(cur)
		if err != nil {
			return nil, err
		}
		if onChain.Number == ref {
			return onChain, nil
		}
	}
	return nil, ErrMissingInput
}

// checkInputs verifies every input's source transaction exists on the
// walk and actually contains the claimed (value, pubkey) output.
func (v *Validator) checkInputs(t *tx.Transaction, prev *chain.Node) error {
	for _, in := range t.Inputs {
		source, err := v.findSource(in.RefNumber, prev)
		if err != nil {
			return err
		}
		found := false
		for _, out := range source.Outputs {
			if out.Value == in.Output.Value && out.PubKey == in.Output.PubKey {
				found = true
				break
			}
		}
		if !found {
			return ErrOutputMismatch
		}
	}
	return nil
}

// checkSignature enforces the single-signer rule and verifies the
// signature over the signing payload.
func (v *Validator) checkSignature(t *tx.Transaction) error {
	if len(t.Inputs) == 0 {
		return ErrEmptyInputs
	}
	signer := t.Inputs[0].Output.PubKey
	for _, in := range t.Inputs[1:] {
		if in.Output.PubKey != signer {
			return ErrMultipleSigners
		}
	}
	if !crypto.Verify(signer, t.Sig, t.SigningPayload()) {
		return ErrBadSignature
	}
	return nil
}

// checkNoDoubleSpend walks each input back along the chain; a prior
// transaction consuming the same (ref, value, pubkey) triple is a double
// spend. The walk for an input stops at the transaction that created it.
func (v *Validator) checkNoDoubleSpend(t *tx.Transaction, prev *chain.Node) error {
	for _, in := range t.Inputs {
		for cur := prev; cur != nil; cur = cur.Parent {
			onChain, err := v.txAt(cur)
			if err != nil {
				return err
			}
			if onChain.Number == in.RefNumber {
				break
			}
			for _, spent := range onChain.Inputs {
				if spent.RefNumber == in.RefNumber &&
					spent.Output.PubKey == in.Output.PubKey &&
					spent.Output.Value == in.Output.Value {
					return ErrDoubleSpend
				}
			}
		}
	}
	return nil
}
