package crypto

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// MaxTreeDepth bounds accepted Merkle proofs. A depth of 32 covers 2^32
// leaves, far beyond any realistic parts count, and keeps proof verification
// cost bounded for hostile input.
const MaxTreeDepth = 32

// SecretLeaf derives the fill-tree leaf committed for one secret:
// keccak256(secret || index). Binding the index into the leaf prevents a
// proof for one position from being replayed at another.
func SecretLeaf(secret [32]byte, index uint64) common.Hash {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	return common.BytesToHash(ethcrypto.Keccak256(concatBytes(secret[:], idx[:])))
}

// ProcessProof folds a leaf up the tree. At each level the sibling order is
// chosen by the current index parity, then the index is halved.
func ProcessProof(leaf common.Hash, index uint64, proof []common.Hash) common.Hash {
	current := leaf
	for _, sibling := range proof {
		if index&1 == 0 {
			current = common.BytesToHash(ethcrypto.Keccak256(concatBytes(current.Bytes(), sibling.Bytes())))
		} else {
			current = common.BytesToHash(ethcrypto.Keccak256(concatBytes(sibling.Bytes(), current.Bytes())))
		}
		index >>= 1
	}
	return current
}

// VerifyProof reports whether the proof connects leaf at index to root.
func VerifyProof(root, leaf common.Hash, index uint64, proof []common.Hash) bool {
	if len(proof) > MaxTreeDepth {
		return false
	}
	return ProcessProof(leaf, index, proof) == root
}

// MerkleTree is a complete binary tree over a fixed leaf set. Resolvers use
// it to commit a fill-tree of secrets and to produce per-index proofs.
type MerkleTree struct {
	levels [][]common.Hash // levels[0] = leaves, last level = [root]
}

// NewMerkleTree builds a tree over the given leaves. Odd levels are padded by
// duplicating the last node, matching ProcessProof's sibling rule.
func NewMerkleTree(leaves []common.Hash) *MerkleTree {
	if len(leaves) == 0 {
		leaves = []common.Hash{{}}
	}

	levels := [][]common.Hash{append([]common.Hash(nil), leaves...)}
	for len(levels[len(levels)-1]) > 1 {
		prev := levels[len(levels)-1]
		if len(prev)%2 == 1 {
			prev = append(prev, prev[len(prev)-1])
		}
		next := make([]common.Hash, len(prev)/2)
		for i := range next {
			next[i] = common.BytesToHash(
				ethcrypto.Keccak256(concatBytes(prev[2*i].Bytes(), prev[2*i+1].Bytes())),
			)
		}
		levels = append(levels, next)
	}
	return &MerkleTree{levels: levels}
}

// Root returns the tree root.
func (t *MerkleTree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns the sibling path for the leaf at index.
func (t *MerkleTree) Proof(index uint64) []common.Hash {
	proof := make([]common.Hash, 0, len(t.levels)-1)
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		sibling := idx ^ 1
		proof = append(proof, level[sibling])
		idx >>= 1
	}
	return proof
}
