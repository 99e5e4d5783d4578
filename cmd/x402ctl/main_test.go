package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova402/x402/client"
	"github.com/nova402/x402/codec"
	"github.com/nova402/x402/merkle"
	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/signers/evm"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/utils"
)

func ctl(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(args, strings.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestNetworks(t *testing.T) {
	code, out, _ := ctl(t, "", "networks")
	require.Equal(t, 0, code)
	assert.Contains(t, out, networks.BaseSepolia)
	assert.Contains(t, out, networks.SolanaDevnet)

	code, out, _ = ctl(t, "", "network", "base-sepolia")
	require.Equal(t, 0, code)
	var v networkView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, networks.BaseSepolia, v.ID)
	assert.Equal(t, "84532", v.ChainID)
	assert.EqualValues(t, 6, v.Asset.Decimals)

	code, _, errOut := ctl(t, "", "network", "eip155:999999")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "x402ctl:")
}

func TestNonce(t *testing.T) {
	code, out, _ := ctl(t, "", "nonce")
	require.Equal(t, 0, code)
	assert.True(t, utils.IsBytes32Hex(strings.TrimSpace(out)), out)
}

func TestRequirementsAndVerify(t *testing.T) {
	code, out, _ := ctl(t, "", "requirements",
		"-network", "base-sepolia",
		"-pay-to", "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		"-amount", "0.01",
		"-resource", "https://api.example.com/premium")
	require.Equal(t, 0, code, out)

	var body types.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	require.Len(t, body.Accepts, 1)
	req := body.Accepts[0]
	assert.Equal(t, "10000", req.MaxAmountRequired)

	signer, err := evm.NewSigner("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	nonce, err := utils.NewNonce()
	require.NoError(t, err)
	header, err := signer.Sign(context.Background(), &req, client.AuthorizationParams{
		Nonce:       nonce,
		ValidAfter:  time.Now().Add(-time.Minute).Unix(),
		ValidBefore: time.Now().Add(5 * time.Minute).Unix(),
	})
	require.NoError(t, err)
	encoded, err := codec.EncodeHeader(header)
	require.NoError(t, err)

	reqJSON, err := json.Marshal(req)
	require.NoError(t, err)

	code, out, errOut := ctl(t, string(reqJSON), "verify", "-header", encoded, "-requirements", "-")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"isValid": true`)

	code, _, _ = ctl(t, "", "decode", encoded)
	assert.Equal(t, 0, code)

	req.MaxAmountRequired = "20000"
	reqJSON, err = json.Marshal(req)
	require.NoError(t, err)
	code, out, _ = ctl(t, string(reqJSON), "verify", "-header", encoded, "-requirements", "-")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, types.ReasonInsufficientAmount.String())
}

func TestHash(t *testing.T) {
	for alg, want := range map[string]string{
		"keccak256": "0x4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45",
		"sha256":    "0xba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		"sha3-256":  "0x3a985da74fe225b2045c172d6bd390bd855f086e3e9d525b46bfe24511431532",
	} {
		code, out, errOut := ctl(t, "", "hash", "-alg", alg, "abc")
		require.Equal(t, 0, code, errOut)
		assert.Equal(t, want, strings.TrimSpace(out), alg)
	}

	code, out, _ := ctl(t, "abc", "hash", "-")
	require.Equal(t, 0, code)
	assert.Equal(t, "0x4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45", strings.TrimSpace(out))

	code, _, errOut := ctl(t, "", "hash", "-alg", "md5", "abc")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown algorithm")

	code, _, _ = ctl(t, "", "hash")
	assert.Equal(t, 2, code)
}

func TestMerkle(t *testing.T) {
	leaves := make([]common.Hash, 5)
	args := []string{"merkle", "-index", "4"}
	for i := range leaves {
		leaves[i] = crypto.Keccak256Hash([]byte(fmt.Sprintf("payment-%d", i)))
		args = append(args, leaves[i].Hex())
	}

	code, out, errOut := ctl(t, "", args...)
	require.Equal(t, 0, code, errOut)

	var v merkleView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	root, err := merkle.ComputeRoot(leaves)
	require.NoError(t, err)
	assert.Equal(t, root.Hex(), v.Root)
	assert.Equal(t, 5, v.Leaves)

	proof := make([]common.Hash, len(v.Proof))
	for i, p := range v.Proof {
		proof[i] = common.HexToHash(p)
	}
	assert.True(t, merkle.Verify(leaves[4], proof, root))

	code, _, _ = ctl(t, "", "merkle", "0x1234")
	assert.Equal(t, 1, code)
	code, _, _ = ctl(t, "", "merkle", "-index", "9", leaves[0].Hex())
	assert.Equal(t, 1, code)
	code, _, _ = ctl(t, "", "merkle")
	assert.Equal(t, 2, code)
}

func TestUsageErrors(t *testing.T) {
	code, _, _ := ctl(t, "", "requirements", "-network", "base")
	assert.Equal(t, 2, code)

	code, _, errOut := ctl(t, "", "bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command")

	code, _, _ = ctl(t, "", "decode", "%%%")
	assert.Equal(t, 1, code)
}
