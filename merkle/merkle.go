// Package merkle builds keccak256 Merkle trees over payment hashes so a batch
// of settlements can be committed to with one root.
//
// Pairs are hashed in sorted order, so proofs carry no left/right flags. A node
// without a sibling is promoted to the next level unchanged.
package merkle

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoLeaves = errors.New("merkle: no leaves")

// Tree keeps every level, leaves first.
type Tree struct {
	layers [][]common.Hash
}

// New builds a tree over leaves. The slice is copied.
func New(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	layer := append([]common.Hash(nil), leaves...)
	layers := [][]common.Hash{layer}
	for len(layer) > 1 {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				continue
			}
			next = append(next, hashPair(layer[i], layer[i+1]))
		}
		layers = append(layers, next)
		layer = next
	}
	return &Tree{layers: layers}, nil
}

func (t *Tree) Root() common.Hash {
	return t.layers[len(t.layers)-1][0]
}

func (t *Tree) Len() int {
	return len(t.layers[0])
}

// Proof returns the sibling hashes from the leaf at index up to the root.
// Levels where the node was promoted contribute nothing.
func (t *Tree) Proof(index int) ([]common.Hash, error) {
	if index < 0 || index >= t.Len() {
		return nil, fmt.Errorf("merkle: index %d out of range for %d leaves", index, t.Len())
	}

	var proof []common.Hash
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := index ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		index /= 2
	}
	return proof, nil
}

// ComputeRoot returns the root over leaves. A single leaf is its own root.
func ComputeRoot(leaves []common.Hash) (common.Hash, error) {
	t, err := New(leaves)
	if err != nil {
		return common.Hash{}, err
	}
	return t.Root(), nil
}

// Verify reports whether proof links leaf to root.
func Verify(leaf common.Hash, proof []common.Hash, root common.Hash) bool {
	h := leaf
	for _, sibling := range proof {
		h = hashPair(h, sibling)
	}
	return h == root
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}
