// Command x402ctl inspects and exercises x402 payments from the shell.
//
// Commands:
//
//	networks                 List registered networks
//	network <id|alias>       Show one network descriptor
//	nonce                    Print a fresh 32-byte authorization nonce
//	decode <header>          Decode an X-PAYMENT or X-PAYMENT-RESPONSE value
//	verify                   Verify a payment header against requirements
//	requirements             Build a 402 payment-required body
//	hash                     Hash data with keccak256, sha256 or sha3-256
//	merkle                   Compute a Merkle root and proof over payment hashes
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	x402 "github.com/nova402/x402"
	"github.com/nova402/x402/codec"
	"github.com/nova402/x402/merkle"
	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/requirements"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/utils"
)

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stdout)
		return 0
	}

	c := &cli{stdin: stdin, out: stdout, registry: networks.Default()}

	var err error
	switch args[0] {
	case "networks":
		err = c.networks()
	case "network":
		err = c.network(args[1:])
	case "nonce":
		err = c.nonce()
	case "decode":
		err = c.decode(args[1:])
	case "verify":
		err = c.verify(args[1:])
	case "requirements":
		err = c.requirements(args[1:])
	case "hash":
		err = c.hash(args[1:])
	case "merkle":
		err = c.merkle(args[1:])
	case "version":
		fmt.Fprintf(stdout, "x402ctl v%s (protocol %d)\n", x402.Version, x402.ProtocolVersion)
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[0])
		printUsage(stderr)
		return 2
	}

	if errors.Is(err, errUsage) {
		printUsage(stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "x402ctl: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  x402ctl <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  networks                  List registered networks")
	fmt.Fprintln(w, "  network <id|alias>        Show one network")
	fmt.Fprintln(w, "  nonce                     Print a fresh authorization nonce")
	fmt.Fprintln(w, "  decode <header>           Decode a payment or settlement header")
	fmt.Fprintln(w, "  verify -header H -requirements FILE [-rpc URL]")
	fmt.Fprintln(w, "  requirements -network N -pay-to ADDR (-price ATOMIC | -amount DECIMAL) [-resource URL]")
	fmt.Fprintln(w, "  hash [-alg keccak256|sha256|sha3-256] DATA|-")
	fmt.Fprintln(w, "  merkle [-index N] LEAF...  Merkle root (and proof) over 32-byte hex leaves")
	fmt.Fprintln(w, "  version                   Print version")
}

type cli struct {
	stdin    io.Reader
	out      io.Writer
	registry *networks.Registry
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) networks() error {
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tALIAS\tFAMILY\tASSET\tTESTNET")
	for _, d := range c.registry.All() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", d.ID, d.Alias, d.Family, d.Asset.Symbol, d.Testnet)
	}
	return tw.Flush()
}

type networkView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Alias         string `json:"alias,omitempty"`
	Family        string `json:"family"`
	ChainID       string `json:"chainId,omitempty"`
	NativeSymbol  string `json:"nativeSymbol"`
	DefaultRPCURL string `json:"defaultRpcUrl"`
	ExplorerURL   string `json:"explorerUrl,omitempty"`
	Testnet       bool   `json:"testnet"`
	Asset         struct {
		Address  string `json:"address"`
		Symbol   string `json:"symbol"`
		Decimals uint8  `json:"decimals"`
	} `json:"asset"`
}

func (c *cli) network(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	d, err := c.registry.Resolve(args[0])
	if err != nil {
		return err
	}

	v := networkView{
		ID:            d.ID,
		Name:          d.Name,
		Alias:         d.Alias,
		Family:        string(d.Family),
		NativeSymbol:  d.NativeSymbol,
		DefaultRPCURL: d.DefaultRPCURL,
		ExplorerURL:   d.ExplorerURL,
		Testnet:       d.Testnet,
	}
	if d.ChainID != nil {
		v.ChainID = d.ChainID.String()
	}
	v.Asset.Address = d.Asset.Address
	v.Asset.Symbol = d.Asset.Symbol
	v.Asset.Decimals = d.Asset.Decimals
	return c.printJSON(v)
}

func (c *cli) nonce() error {
	n, err := utils.NewNonce()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, "0x"+hex.EncodeToString(n[:]))
	return err
}

// decode accepts either header kind; a payment header is tried first.
func (c *cli) decode(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	h, err := codec.DecodeHeader(args[0])
	if err == nil {
		return c.printJSON(h)
	}
	if s, serr := codec.DecodeSettlement(args[0]); serr == nil && (s.Success || s.Error != "") {
		return c.printJSON(s)
	}
	return err
}

func (c *cli) verify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	header := fs.String("header", "", "encoded X-PAYMENT value")
	reqPath := fs.String("requirements", "", "requirements JSON file, or - for stdin")
	rpcURL := fs.String("rpc", "", "RPC endpoint for the on-chain nonce check")
	timeout := fs.Duration("timeout", 30*time.Second, "overall timeout")
	if err := fs.Parse(args); err != nil || *header == "" || *reqPath == "" {
		return errUsage
	}

	req, err := c.readRequirements(*reqPath)
	if err != nil {
		return err
	}

	x := x402.NewWithDefaults(x402.WithTimeout(*timeout))
	defer x.Close()
	if *rpcURL != "" {
		if err := x.AddNetwork(req.Network, types.ClientConfig{RPCUrl: *rpcURL}); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	res, err := x.VerifyRequest(ctx, &types.VerifyRequest{
		X402Version:         req.X402Version,
		PaymentHeader:       *header,
		PaymentRequirements: *req,
	})
	if err != nil {
		return err
	}
	if err := c.printJSON(res); err != nil {
		return err
	}
	if !res.IsValid {
		return fmt.Errorf("payment invalid: %s", res.InvalidReason)
	}
	return nil
}

func (c *cli) readRequirements(path string) (*types.PaymentRequirements, error) {
	var r io.Reader = c.stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var req types.PaymentRequirements
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("parse requirements: %w", err)
	}
	return &req, nil
}

func (c *cli) requirements(args []string) error {
	fs := flag.NewFlagSet("requirements", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	network := fs.String("network", "", "CAIP-2 id or alias")
	payTo := fs.String("pay-to", "", "recipient address")
	price := fs.String("price", "", "price in atomic units")
	amount := fs.String("amount", "", "price in whole tokens, e.g. 0.10")
	asset := fs.String("asset", "", "asset contract or mint (default: network stablecoin)")
	resource := fs.String("resource", "", "resource URL")
	description := fs.String("description", "", "resource description")
	timeout := fs.Int("timeout", 0, "max timeout seconds")
	if err := fs.Parse(args); err != nil || *network == "" || (*price == "") == (*amount == "") {
		return errUsage
	}

	if *amount != "" {
		desc, err := c.registry.Resolve(*network)
		if err != nil {
			return err
		}
		if *asset != "" && *asset != desc.Asset.Address {
			return errors.New("-amount needs the network's default asset; use -price for other assets")
		}
		p, err := requirements.PriceFromDecimal(*amount, int(desc.Asset.Decimals))
		if err != nil {
			return err
		}
		*price = p
	}

	req, err := requirements.NewBuilder(c.registry).Build(requirements.Config{
		Price:       *price,
		Network:     *network,
		PayTo:       *payTo,
		Asset:       *asset,
		Resource:    *resource,
		Description: *description,
		Timeout:     *timeout,
	})
	if err != nil {
		return err
	}
	return c.printJSON(requirements.NewPaymentRequired([]types.PaymentRequirements{*req}, ""))
}

func digest(alg string, data []byte) ([]byte, error) {
	switch alg {
	case "keccak256":
		return crypto.Keccak256(data), nil
	case "sha256":
		sum := sha256.Sum256(data)
		return sum[:], nil
	case "sha3-256":
		sum := sha3.Sum256(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("unknown algorithm %q", alg)
	}
}

func (c *cli) hash(args []string) error {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	alg := fs.String("alg", "keccak256", "keccak256, sha256 or sha3-256")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return errUsage
	}

	data := []byte(fs.Arg(0))
	if fs.Arg(0) == "-" {
		var err error
		if data, err = io.ReadAll(c.stdin); err != nil {
			return err
		}
	}
	sum, err := digest(*alg, data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, hexutil.Encode(sum))
	return err
}

type merkleView struct {
	Root   string   `json:"root"`
	Leaves int      `json:"leaves"`
	Index  *int     `json:"index,omitempty"`
	Proof  []string `json:"proof,omitempty"`
}

func (c *cli) merkle(args []string) error {
	fs := flag.NewFlagSet("merkle", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	index := fs.Int("index", -1, "leaf to prove")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		return errUsage
	}

	leaves := make([]common.Hash, fs.NArg())
	for i, arg := range fs.Args() {
		b, err := utils.HexToBytes32(arg)
		if err != nil {
			return fmt.Errorf("leaf %d: %w", i, err)
		}
		leaves[i] = b
	}

	tree, err := merkle.New(leaves)
	if err != nil {
		return err
	}
	v := merkleView{Root: tree.Root().Hex(), Leaves: tree.Len()}
	if *index >= 0 {
		proof, err := tree.Proof(*index)
		if err != nil {
			return err
		}
		v.Index = index
		v.Proof = make([]string, 0, len(proof))
		for _, h := range proof {
			v.Proof = append(v.Proof, h.Hex())
		}
	}
	return c.printJSON(v)
}
