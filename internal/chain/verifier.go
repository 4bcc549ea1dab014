// Package chain looks up stablecoin transfers on an EVM chain and derives
// deterministic deposit addresses.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// ErrTxNotFound means the hash is unknown to the chain (yet).
	ErrTxNotFound = errors.New("transaction not found")
	// ErrTxReverted means the transaction exists but did not succeed.
	ErrTxReverted = errors.New("transaction reverted")
	// ErrNoTransfer means the transaction carries no transfer of the
	// configured token.
	ErrNoTransfer = errors.New("no token transfer in transaction")
	// ErrNotConfigured means the deployment has no chain RPC endpoint.
	ErrNotConfigured = errors.New("chain verifier is not configured")
)

// Transfer describes one verified on-chain token transfer.
type Transfer struct {
	TxHash          string
	To              string // destination address, lowercase 0x hex
	TokenSymbol     string
	Chain           string
	AmountBaseUnits *big.Int
	Confirmations   int
}

// Verifier resolves a transaction hash into the transfer it carried.
type Verifier interface {
	Lookup(ctx context.Context, txHash string) (*Transfer, error)
}

// NewDisabledVerifier returns a Verifier for provision-only deployments
// without a chain RPC endpoint; every lookup fails with ErrNotConfigured.
func NewDisabledVerifier() Verifier {
	return disabledVerifier{}
}

type disabledVerifier struct{}

func (disabledVerifier) Lookup(context.Context, string) (*Transfer, error) {
	return nil, ErrNotConfigured
}

// transferTopic is the ERC-20 Transfer(address,address,uint256) event
// signature hash.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EthVerifier verifies transfers of a single ERC-20 token via an EVM RPC
// endpoint.
type EthVerifier struct {
	eth    *ethclient.Client
	token  common.Address
	symbol string
	chain  string
}

// NewEthVerifier dials the RPC endpoint and returns a ready verifier for the
// given token contract.
func NewEthVerifier(ctx context.Context, rpcURL, tokenContract, symbol, chainName string) (*EthVerifier, error) {
	if rpcURL == "" {
		return nil, errors.New("chain RPC URL is required")
	}
	if !common.IsHexAddress(tokenContract) {
		return nil, fmt.Errorf("invalid token contract address %q", tokenContract)
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return &EthVerifier{
		eth:    eth,
		token:  common.HexToAddress(tokenContract),
		symbol: symbol,
		chain:  chainName,
	}, nil
}

// Close releases the underlying RPC connection.
func (v *EthVerifier) Close() {
	v.eth.Close()
}

// Lookup fetches the receipt for txHash, extracts the token's Transfer log
// and computes confirmations from the current head.
func (v *EthVerifier) Lookup(ctx context.Context, txHash string) (*Transfer, error) {
	receipt, err := v.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.Status != 1 {
		return nil, ErrTxReverted
	}

	head, err := v.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	confirmations := 0
	if block := receipt.BlockNumber.Uint64(); head >= block {
		confirmations = int(head - block + 1)
	}

	for _, lg := range receipt.Logs {
		if lg.Address != v.token || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes()[12:])
		return &Transfer{
			TxHash:          strings.ToLower(txHash),
			To:              strings.ToLower(to.Hex()),
			TokenSymbol:     v.symbol,
			Chain:           v.chain,
			AmountBaseUnits: new(big.Int).SetBytes(lg.Data),
			Confirmations:   confirmations,
		}, nil
	}
	return nil, ErrNoTransfer
}

// DepositAddress derives the deterministic deposit address for a user. The
// derivation needs no chain round-trip and always yields the same address
// for the same (provider, providerUserId) pair.
func DepositAddress(provider, providerUserID string) string {
	digest := crypto.Keccak256([]byte("sociclaw:deposit:" + provider + ":" + providerUserID))
	return strings.ToLower(common.BytesToAddress(digest[12:]).Hex())
}
