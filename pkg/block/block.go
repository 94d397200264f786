// Package block defines block types and their canonical codec.
package block

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forgenet/mergesplit/pkg/crypto"
	"github.com/forgenet/mergesplit/pkg/tx"
	"github.com/forgenet/mergesplit/pkg/types"
)

// Kind tags a block. Exactly one kind applies to a block; the validator
// switches on this tag rather than on dynamic dispatch.
type Kind uint8

const (
	KindNormal Kind = iota
	KindGenesis
	KindFee
	KindSplit
	KindMerge
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindGenesis:
		return "genesis"
	case KindFee:
		return "fee"
	case KindSplit:
		return "split"
	case KindMerge:
		return "merge"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsBoundary reports whether the kind terminates validation and balance
// reconstruction walks.
func (k Kind) IsBoundary() bool {
	return k == KindGenesis || k == KindSplit || k == KindMerge
}

// Structural invariant violations.
var (
	ErrBadKind     = errors.New("unknown block kind")
	ErrGenesisPrev = errors.New("prev must be unset exactly for genesis blocks")
	ErrMergePrev2  = errors.New("prev2 must be set exactly for merge blocks")
	ErrMissingTx   = errors.New("block carries no transaction")
)

// Block carries a single serialized transaction. Prev is the hash of the
// preceding block's canonical serialization (zero for genesis); Prev2 is
// the other parent community's head, set only on merge blocks.
type Block struct {
	Tx    string     `json:"tx"`
	Prev  types.Hash `json:"prev"`
	Kind  Kind       `json:"kind"`
	Prev2 types.Hash `json:"prev2"`
}

// NewNormal wraps a serialized transaction in a normal block.
func NewNormal(serializedTx string, prev types.Hash) *Block {
	return &Block{Tx: serializedTx, Prev: prev, Kind: KindNormal}
}

// NewGenesis wraps a serialized transaction in a genesis block.
func NewGenesis(serializedTx string) *Block {
	return &Block{Tx: serializedTx, Kind: KindGenesis}
}

// NewFee wraps a serialized fee transaction in a fee block.
func NewFee(serializedTx string, prev types.Hash) *Block {
	return &Block{Tx: serializedTx, Prev: prev, Kind: KindFee}
}

// NewSplit wraps a serialized split boundary transaction.
func NewSplit(serializedTx string, prev types.Hash) *Block {
	return &Block{Tx: serializedTx, Prev: prev, Kind: KindSplit}
}

// NewMerge wraps a serialized merge boundary transaction referencing the
// heads of both parent communities.
func NewMerge(serializedTx string, prev, prev2 types.Hash) *Block {
	return &Block{Tx: serializedTx, Prev: prev, Kind: KindMerge, Prev2: prev2}
}

// canonicalWire is the canonical envelope: {"data":[tx, prev]}.
// Kind and Prev2 are deliberately outside the canonical form; chain
// linkage hashes only the transaction and the primary parent.
type canonicalWire struct {
	Data [2]string `json:"data"`
}

// Canonical returns the canonical string form of the block. Genesis
// blocks serialize their missing parent as the empty string.
func (b *Block) Canonical() string {
	prev := ""
	if !b.Prev.IsZero() {
		prev = b.Prev.String()
	}
	data, _ := json.Marshal(canonicalWire{Data: [2]string{b.Tx, prev}})
	return string(data)
}

// Hash returns H of the UTF-8 encoding of the canonical form.
func (b *Block) Hash() types.Hash {
	return crypto.HashString(b.Canonical())
}

// Serialize returns the full wire form of the block, including the kind
// tag and the merge parent.
func (b *Block) Serialize() string {
	data, _ := json.Marshal(b)
	return string(data)
}

// Deserialize parses a full wire form block.
func Deserialize(s string) (*Block, error) {
	var b Block
	if err := json.Unmarshal([]byte(s), &b); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Transaction decodes the block's serialized transaction.
func (b *Block) Transaction() (*tx.Transaction, error) {
	return tx.Deserialize(b.Tx)
}

// Validate checks the structural invariants of the kind tag.
func (b *Block) Validate() error {
	if b.Kind > KindMerge {
		return ErrBadKind
	}
	if b.Tx == "" {
		return ErrMissingTx
	}
	if b.Prev.IsZero() != (b.Kind == KindGenesis) {
		return ErrGenesisPrev
	}
	if !b.Prev2.IsZero() != (b.Kind == KindMerge) {
		return ErrMergePrev2
	}
	return nil
}
