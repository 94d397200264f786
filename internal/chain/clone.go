package chain

import "github.com/forgenet/mergesplit/pkg/types"

// Clone deep-copies the chain via hash-indexed copy. Forks share parent
// nodes, so naive recursion would duplicate shared prefixes; instead the
// node table is copied in one pass and parent links are rewired through
// the hash index. Block values are immutable once formed and are reused.
func (c *Chain) Clone() *Chain {
	out := &Chain{
		byHash:        make(map[types.Hash]*Node, len(c.byHash)),
		tips:          make([]*Node, len(c.tips)),
		forkIndex:     make(map[types.Hash]int, len(c.forkIndex)),
		childCount:    make(map[types.Hash]int, len(c.childCount)),
		longestIndex:  c.longestIndex,
		longestLength: c.longestLength,
	}
	for h, n := range c.byHash {
		out.byHash[h] = &Node{Block: n.Block, Hash: n.Hash, Depth: n.Depth}
	}
	for h, n := range c.byHash {
		if n.Parent != nil {
			out.byHash[h].Parent = out.byHash[n.Parent.Hash]
		}
	}
	for i, tip := range c.tips {
		out.tips[i] = out.byHash[tip.Hash]
	}
	for h, idx := range c.forkIndex {
		out.forkIndex[h] = idx
	}
	for h, n := range c.childCount {
		out.childCount[h] = n
	}
	return out
}
