// Package chain implements the per-community append-only block DAG with
// fork tracking and longest-chain selection.
package chain

import (
	"errors"
	"fmt"

	"github.com/forgenet/mergesplit/pkg/block"
	"github.com/forgenet/mergesplit/pkg/crypto"
	"github.com/forgenet/mergesplit/pkg/types"
)

// Chain errors.
var (
	ErrUnknownPrev = errors.New("block prev not on chain")
	ErrNotGenesis  = errors.New("first block must be a genesis block")
	ErrHasGenesis  = errors.New("chain already has a genesis block")
	ErrEmptyChain  = errors.New("chain has no blocks")
)

// Node links a block to its parent. Nodes are owned by the Chain; the
// parent reference is non-owning. Depth counts blocks back to genesis,
// genesis included.
type Node struct {
	Block  *block.Block
	Parent *Node
	Hash   types.Hash
	Depth  int
}

// Chain is a fork-aware DAG of blocks. One tip is tracked per live fork;
// the longest fork wins, with ties broken by insertion order (the
// first-reached tip is retained until a strictly longer fork appears).
type Chain struct {
	byHash     map[types.Hash]*Node
	tips       []*Node
	forkIndex  map[types.Hash]int // block hash -> fork slot it extends
	childCount map[types.Hash]int // children ever attached at a block

	longestIndex  int
	longestLength int
}

// New creates an empty chain.
func New() *Chain {
	return &Chain{
		byHash:     make(map[types.Hash]*Node),
		forkIndex:  make(map[types.Hash]int),
		childCount: make(map[types.Hash]int),
	}
}

// SetGenesis installs the genesis block as the sole tip.
func (c *Chain) SetGenesis(b *block.Block) error {
	if b.Kind != block.KindGenesis {
		return ErrNotGenesis
	}
	if len(c.byHash) != 0 {
		return ErrHasGenesis
	}
	h := b.Hash()
	node := &Node{Block: b, Hash: h, Depth: 1}
	c.byHash[h] = node
	c.forkIndex[h] = 0
	c.tips = append(c.tips, node)
	c.longestIndex = 0
	c.longestLength = 1
	return nil
}

// AddBlock appends a block under its prev. Attaching a child to a block
// that already has children opens a new fork tip; otherwise the block
// replaces the tip occupying its parent's fork slot. Duplicate insertion
// of the same content hash is idempotent.
func (c *Chain) AddBlock(b *block.Block) error {
	h := b.Hash()
	if _, ok := c.byHash[h]; ok {
		return nil
	}
	parent, ok := c.byHash[b.Prev]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrev, b.Prev)
	}
	node := &Node{Block: b, Parent: parent, Hash: h, Depth: parent.Depth + 1}
	c.byHash[h] = node
	if c.childCount[b.Prev] >= 1 {
		// A second child at the same parent: a fork.
		c.tips = append(c.tips, node)
		c.forkIndex[h] = len(c.tips) - 1
	} else {
		slot := c.forkIndex[b.Prev]
		c.tips[slot] = node
		c.forkIndex[h] = slot
	}
	c.childCount[b.Prev]++
	if node.Depth > c.longestLength {
		c.longestLength = node.Depth
		c.longestIndex = c.forkIndex[h]
	}
	return nil
}

// LongestTip returns the tip node of the longest fork.
func (c *Chain) LongestTip() *Node {
	if len(c.tips) == 0 {
		return nil
	}
	return c.tips[c.longestIndex]
}

// LongestLength returns the block count of the longest fork.
func (c *Chain) LongestLength() int {
	return c.longestLength
}

// HeadHash returns the hash of the longest tip's block.
func (c *Chain) HeadHash() (types.Hash, error) {
	tip := c.LongestTip()
	if tip == nil {
		return types.Hash{}, ErrEmptyChain
	}
	return tip.Hash, nil
}

// IsValidPrev reports whether a block hash is present on the chain.
func (c *Chain) IsValidPrev(h types.Hash) bool {
	_, ok := c.byHash[h]
	return ok
}

// NodeByHash looks up the chain node for a block hash.
func (c *Chain) NodeByHash(h types.Hash) (*Node, bool) {
	n, ok := c.byHash[h]
	return n, ok
}

// ForkCount returns the number of live fork tips.
func (c *Chain) ForkCount() int {
	return len(c.tips)
}

// Size returns the number of blocks ever attached.
func (c *Chain) Size() int {
	return len(c.byHash)
}

// LogEntry is one record of a chain walk, tip to genesis.
type LogEntry struct {
	Tx   string `json:"tx"`
	Prev string `json:"prev"`
}

// Log walks from the longest tip to genesis, producing an ordered
// sequence of {tx hash, prev} records. A genesis parent logs as the
// empty string.
func (c *Chain) Log() []LogEntry {
	var out []LogEntry
	for cur := c.LongestTip(); cur != nil; cur = cur.Parent {
		prev := ""
		if !cur.Block.Prev.IsZero() {
			prev = cur.Block.Prev.String()
		}
		out = append(out, LogEntry{
			Tx:   crypto.HashString(cur.Block.Tx).String(),
			Prev: prev,
		})
	}
	return out
}
