package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const (
	defaultNativeSymbol   = "ETH"
	defaultNativeDecimals = 18
	defaultPollInterval   = 500 * time.Millisecond
)

const erc20ABI = `[
 {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
 {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// AssetConfig describes an ERC-20 token tracked in snapshots.
type AssetConfig struct {
	Address  string  `mapstructure:"address"`
	Symbol   string  `mapstructure:"symbol"`
	Decimals int     `mapstructure:"decimals"`
	PriceUSD float64 `mapstructure:"price_usd"`
}

// Config describes how to construct an EVM ledger client.
type Config struct {
	RPCURL              string        `mapstructure:"rpc_url"`
	PrivateKeyHex       string        `mapstructure:"private_key"`
	NativeSymbol        string        `mapstructure:"native_symbol"`
	NativePriceUSD      float64       `mapstructure:"native_price_usd"`
	Assets              []AssetConfig `mapstructure:"assets"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
}

// Backend is the subset of ethclient used by the ledger.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Client is an EVM backed ledger.
type Client struct {
	backend  Backend
	rpc      *gethrpc.Client
	key      *ecdsa.PrivateKey
	from     common.Address
	erc20    abi.ABI
	cfg      Config
	commit   func()
	mu       sync.Mutex
	chainID  *big.Int
	interval time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithCommitter registers a hook invoked after every sent transaction. The
// simulated backend uses it to mine a block.
func WithCommitter(commit func()) Option {
	return func(c *Client) { c.commit = commit }
}

// Dial connects to the configured RPC endpoint.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}
	c, err := New(ethclient.NewClient(rpcClient), cfg)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	c.rpc = rpcClient
	return c, nil
}

// New wraps an existing backend.
func New(backend Backend, cfg Config, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供链访问后端")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析私钥失败")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 ERC-20 ABI 失败")
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = defaultNativeSymbol
	}
	c := &Client{
		backend:  backend,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		erc20:    parsed,
		cfg:      cfg,
		interval: cfg.ReceiptPollInterval,
	}
	if c.interval <= 0 {
		c.interval = defaultPollInterval
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Address returns the signing account.
func (c *Client) Address() common.Address {
	return c.from
}

// Close releases the RPC connection when the client owns one.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
}

// FetchAccountSnapshot reads the native and configured token balances of owner.
func (c *Client) FetchAccountSnapshot(ctx context.Context, owner string) (*flow.AccountSnapshot, error) {
	if !common.IsHexAddress(owner) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("account not found: %s 不是合法地址", owner))
	}
	addr := common.HexToAddress(owner)
	native, err := c.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询余额失败")
	}
	snap := &flow.AccountSnapshot{
		Owner:          addr.Hex(),
		NativeSymbol:   c.cfg.NativeSymbol,
		NativeBalance:  native.String(),
		NativeDecimals: defaultNativeDecimals,
		NativePriceUSD: c.cfg.NativePriceUSD,
		FetchedAt:      time.Now(),
	}
	for _, asset := range c.cfg.Assets {
		bal, err := c.tokenBalance(ctx, common.HexToAddress(asset.Address), addr)
		if err != nil {
			return nil, err
		}
		snap.Assets = append(snap.Assets, flow.Asset{
			AssetID:  common.HexToAddress(asset.Address).Hex(),
			Symbol:   asset.Symbol,
			Balance:  bal.String(),
			Decimals: asset.Decimals,
			PriceUSD: asset.PriceUSD,
		})
	}
	return snap, nil
}

func (c *Client) tokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	input, err := c.erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "编码 balanceOf 调用失败")
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, fmt.Sprintf("查询代币 %s 余额失败", token.Hex()))
	}
	values, err := c.erc20.Unpack("balanceOf", out)
	if err != nil || len(values) == 0 {
		return nil, xerrors.New(xerrors.CodeLedgerFailure, fmt.Sprintf("解析代币 %s 余额失败", token.Hex()))
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeLedgerFailure, "balanceOf 返回类型异常")
	}
	return bal, nil
}

func (c *Client) chain(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	c.chainID = id
	return id, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gethcore.NotFound)
}
