package merkle

import (
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaves(n int) []common.Hash {
	out := make([]common.Hash, n)
	for i := range out {
		out[i] = crypto.Keccak256Hash([]byte(fmt.Sprintf("tx%d", i)))
	}
	return out
}

func TestSingleLeaf(t *testing.T) {
	l := leaves(1)
	root, err := ComputeRoot(l)
	require.NoError(t, err)
	assert.Equal(t, l[0], root)

	tree, err := New(l)
	require.NoError(t, err)
	proof, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, proof)
	assert.True(t, Verify(l[0], proof, root))
}

func TestRootIsOrderIndependentPerPair(t *testing.T) {
	l := leaves(4)
	want := hashPair(hashPair(l[0], l[1]), hashPair(l[2], l[3]))

	root, err := ComputeRoot(l)
	require.NoError(t, err)
	assert.Equal(t, want, root)

	swapped, err := ComputeRoot([]common.Hash{l[1], l[0], l[3], l[2]})
	require.NoError(t, err)
	assert.Equal(t, root, swapped)
}

func TestOddLeafPromoted(t *testing.T) {
	l := leaves(3)
	root, err := ComputeRoot(l)
	require.NoError(t, err)
	assert.Equal(t, hashPair(hashPair(l[0], l[1]), l[2]), root)
}

func TestProofs(t *testing.T) {
	for n := 1; n <= 9; n++ {
		l := leaves(n)
		tree, err := New(l)
		require.NoError(t, err)
		assert.Equal(t, n, tree.Len())

		for i := range l {
			proof, err := tree.Proof(i)
			require.NoError(t, err)
			assert.True(t, Verify(l[i], proof, tree.Root()), "n=%d i=%d", n, i)

			if len(proof) > 0 {
				assert.False(t, Verify(crypto.Keccak256Hash([]byte("forged")), proof, tree.Root()))
			}
		}
	}
}

func TestErrors(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNoLeaves)

	_, err = ComputeRoot([]common.Hash{})
	assert.ErrorIs(t, err, ErrNoLeaves)

	tree, err := New(leaves(2))
	require.NoError(t, err)
	_, err = tree.Proof(2)
	assert.Error(t, err)
	_, err = tree.Proof(-1)
	assert.Error(t, err)
}

func TestNewCopiesLeaves(t *testing.T) {
	l := leaves(2)
	orig := l[0]
	tree, err := New(l)
	require.NoError(t, err)

	l[0] = common.Hash{}
	proof, err := tree.Proof(1)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{orig}, proof)
}
