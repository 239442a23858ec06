package reserves

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	vault = "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
	usdc  = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

type fakeBackend struct {
	block    uint64
	balance  *big.Int
	decimals uint8
	err      error
	blocks   []*big.Int
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return f.block, f.err
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.blocks = append(f.blocks, blockNumber)
	switch {
	case bytes.Equal(call.Data[:4], erc20ABI.Methods["decimals"].ID):
		return erc20ABI.Methods["decimals"].Outputs.Pack(f.decimals)
	case bytes.Equal(call.Data[:4], erc20ABI.Methods["balanceOf"].ID):
		return erc20ABI.Methods["balanceOf"].Outputs.Pack(f.balance)
	}
	return nil, errors.New("unexpected call")
}

func TestAttestMissingConfig(t *testing.T) {
	a := NewAttestor(Options{}, zerolog.Nop())
	if _, err := a.Attest(context.Background(), vault); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	a = NewAttestor(Options{RPCURL: "http://localhost"}, zerolog.Nop())
	if _, err := a.Attest(context.Background(), vault); err == nil {
		t.Fatal("缺少代币地址应报错")
	}

	a = NewAttestor(Options{RPCURL: "http://localhost", TokenAddress: usdc}, zerolog.Nop())
	if _, err := a.Attest(context.Background(), "not-an-address"); err == nil {
		t.Fatal("非法金库地址应报错")
	}
}

func TestAttestReadsBalanceAtBlock(t *testing.T) {
	backend := &fakeBackend{block: 1234, balance: big.NewInt(5_000_250_000), decimals: 6}
	a := NewAttestorWithBackend(Options{TokenAddress: usdc, TokenSymbol: "USDC", ChainID: 8453}, backend, zerolog.Nop())
	verified := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return verified }

	att, err := a.Attest(context.Background(), vault)
	if err != nil {
		t.Fatalf("验证失败: %v", err)
	}
	if !att.Balance.Equal(decimal.RequireFromString("5000.25")) {
		t.Fatalf("余额解析错误: %s", att.Balance)
	}
	if att.Block != 1234 || !att.VerifiedAt.Equal(verified) {
		t.Fatalf("区块或时间异常: %+v", att)
	}
	for _, b := range backend.blocks {
		if b == nil || b.Uint64() != 1234 {
			t.Fatalf("合约调用应固定在同一区块，实际 %v", b)
		}
	}
}

func TestAttestPropagatesRPCError(t *testing.T) {
	backend := &fakeBackend{err: errors.New("rpc down")}
	a := NewAttestorWithBackend(Options{TokenAddress: usdc}, backend, zerolog.Nop())
	if _, err := a.Attest(context.Background(), vault); err == nil {
		t.Fatal("RPC 失败时应报错")
	}
}
