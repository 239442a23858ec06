// Package reserves attests exit-fund balances held in an on-chain vault.
package reserves

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	erc20ABIJSON = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`
)

var (
	erc20ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// Backend is the subset of the JSON-RPC client the attestor needs.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Options parameterise the attestor.
type Options struct {
	RPCURL       string
	TokenAddress string
	TokenSymbol  string
	ChainID      int64
	Timeout      time.Duration
}

// Attestation is a verified balance snapshot.
type Attestation struct {
	Vault      string          `json:"vault"`
	Token      string          `json:"token"`
	Symbol     string          `json:"symbol,omitempty"`
	ChainID    int64           `json:"chain_id,omitempty"`
	Balance    decimal.Decimal `json:"balance"`
	Block      uint64          `json:"block"`
	VerifiedAt time.Time       `json:"verified_at"`
}

// Attestor reads ERC-20 balances pinned to the current block.
type Attestor struct {
	opts      Options
	logger    zerolog.Logger
	backend   Backend
	clientMux sync.Mutex
	now       func() time.Time
}

// NewAttestor builds an attestor that dials RPCURL on first use.
func NewAttestor(opts Options, logger zerolog.Logger) *Attestor {
	return &Attestor{
		opts:   opts,
		logger: logger.With().Str("component", "reserves").Logger(),
		now:    time.Now,
	}
}

// NewAttestorWithBackend uses an already connected backend.
func NewAttestorWithBackend(opts Options, backend Backend, logger zerolog.Logger) *Attestor {
	a := NewAttestor(opts, logger)
	a.backend = backend
	return a
}

// Attest verifies the token balance held by vault.
func (a *Attestor) Attest(ctx context.Context, vault string) (Attestation, error) {
	if a.opts.RPCURL == "" && a.backend == nil {
		return Attestation{}, errors.New("ethereum rpc url not configured")
	}
	if a.opts.TokenAddress == "" {
		return Attestation{}, errors.New("reserve token address not configured")
	}
	if !common.IsHexAddress(vault) {
		return Attestation{}, fmt.Errorf("invalid vault address %q", vault)
	}

	timeout := a.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	backend, err := a.getBackend(ctx)
	if err != nil {
		return Attestation{}, err
	}

	block, err := backend.BlockNumber(ctx)
	if err != nil {
		return Attestation{}, fmt.Errorf("block number: %w", err)
	}
	at := new(big.Int).SetUint64(block)
	token := common.HexToAddress(a.opts.TokenAddress)
	owner := common.HexToAddress(vault)

	decimals, err := a.decimals(ctx, backend, token, at)
	if err != nil {
		return Attestation{}, err
	}

	payload, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return Attestation{}, err
	}
	res, err := backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, at)
	if err != nil {
		return Attestation{}, fmt.Errorf("balanceOf: %w", err)
	}
	outputs, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return Attestation{}, err
	}
	if len(outputs) != 1 {
		return Attestation{}, errors.New("unexpected balanceOf response")
	}
	raw, ok := outputs[0].(*big.Int)
	if !ok {
		return Attestation{}, errors.New("failed to decode balanceOf output")
	}

	att := Attestation{
		Vault:      owner.Hex(),
		Token:      token.Hex(),
		Symbol:     a.opts.TokenSymbol,
		ChainID:    a.opts.ChainID,
		Balance:    decimal.NewFromBigInt(raw, -int32(decimals)),
		Block:      block,
		VerifiedAt: a.now().UTC(),
	}
	a.logger.Info().Str("vault", att.Vault).Str("balance", att.Balance.String()).Uint64("block", block).Msg("reserve attested")
	return att, nil
}

func (a *Attestor) decimals(ctx context.Context, backend Backend, token common.Address, at *big.Int) (uint8, error) {
	payload, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	res, err := backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, at)
	if err != nil {
		return 0, fmt.Errorf("decimals: %w", err)
	}
	outputs, err := erc20ABI.Unpack("decimals", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	return d, nil
}

func (a *Attestor) getBackend(ctx context.Context) (Backend, error) {
	a.clientMux.Lock()
	defer a.clientMux.Unlock()

	if a.backend != nil {
		return a.backend, nil
	}
	client, err := ethclient.DialContext(ctx, a.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	a.backend = client
	return client, nil
}

var _ Backend = (*ethclient.Client)(nil)
