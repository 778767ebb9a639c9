package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"LedgerFlow/internal/flow"
)

// Program identifiers understood by the simulated ledger.
const (
	ProgramSystem = "system"
	ProgramToken  = "token"
	ProgramSwap   = "swap"
)

// NativeAsset is the asset id used in swap payloads for the native currency.
const NativeAsset = "native"

type account struct {
	native *big.Int
	tokens map[string]*big.Int
}

func (a *account) clone() *account {
	out := &account{native: new(big.Int).Set(a.native), tokens: make(map[string]*big.Int, len(a.tokens))}
	for k, v := range a.tokens {
		out.tokens[k] = new(big.Int).Set(v)
	}
	return out
}

// Ledger is a synthetic ledger. It is safe for concurrent use but each run
// should own its own instance.
type Ledger struct {
	mu       sync.Mutex
	wallet   flow.WalletContext
	signers  map[string]struct{}
	accounts map[string]*account
	prices   map[string]float64
	decimals map[string]int
	applied  int
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithSigner lets the ledger accept signatures from an additional key.
func WithSigner(pubkey string) Option {
	return func(l *Ledger) { l.signers[pubkey] = struct{}{} }
}

// WithAccount seeds an extra account with a native balance.
func WithAccount(pubkey string, native *big.Int) Option {
	return func(l *Ledger) {
		acc := l.account(pubkey)
		acc.native = new(big.Int).Set(native)
	}
}

// New builds a ledger whose subject account mirrors the wallet snapshot.
func New(wallet flow.WalletContext, opts ...Option) (*Ledger, error) {
	native, err := flow.ParseAmount(wallet.NativeBalance)
	if err != nil {
		return nil, fmt.Errorf("invalid native balance: %w", err)
	}
	l := &Ledger{
		wallet:   wallet.Clone(),
		signers:  map[string]struct{}{wallet.Owner: {}},
		accounts: make(map[string]*account),
		prices:   map[string]float64{NativeAsset: wallet.NativePriceUSD},
		decimals: map[string]int{NativeAsset: wallet.NativeDecimals},
	}
	owner := l.account(wallet.Owner)
	owner.native = native
	for _, a := range wallet.Assets {
		bal, err := flow.ParseAmount(a.Balance)
		if err != nil {
			return nil, fmt.Errorf("invalid balance for %s: %w", a.Symbol, err)
		}
		owner.tokens[a.AssetID] = bal
		l.prices[a.AssetID] = a.PriceUSD
		l.decimals[a.AssetID] = a.Decimals
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

func (l *Ledger) account(pubkey string) *account {
	acc, ok := l.accounts[pubkey]
	if !ok {
		acc = &account{native: new(big.Int), tokens: make(map[string]*big.Int)}
		l.accounts[pubkey] = acc
	}
	return acc
}

// Apply executes every operation of the action against a scratch copy of the
// state and commits only when all of them succeed.
func (l *Ledger) Apply(ctx context.Context, action flow.AgentAction) (*flow.AgentObservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(action.Operations) == 0 {
		return nil, fmt.Errorf("invalid instruction: action carries no operations")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	work := make(map[string]*account, len(l.accounts))
	for k, v := range l.accounts {
		work[k] = v.clone()
	}
	touched := make(map[string]struct{})
	output := make(map[string]any)
	logs := make([]string, 0, len(action.Operations))

	for i, op := range action.Operations {
		msg, err := l.applyOne(work, op, touched, output)
		if err != nil {
			return &flow.AgentObservation{
				LastTransactionStatus: flow.StatusFailure,
				LastTransactionError:  fmt.Sprintf("operation %d (%s): %v", i, op.ProgramID, err),
				LastTransactionLogs:   append(logs, fmt.Sprintf("Program %s failed: %v", op.ProgramID, err)),
				AccountStates:         l.states(l.accounts, touched),
			}, nil
		}
		logs = append(logs, msg)
	}

	l.accounts = work
	l.applied++
	output["sequence"] = l.applied
	return &flow.AgentObservation{
		LastTransactionStatus: flow.StatusSuccess,
		LastTransactionLogs:   logs,
		AccountStates:         l.states(l.accounts, touched),
		Output:                output,
	}, nil
}

func (l *Ledger) applyOne(work map[string]*account, op flow.Operation, touched map[string]struct{}, output map[string]any) (string, error) {
	if len(op.Accounts) == 0 {
		return "", fmt.Errorf("invalid instruction: no accounts")
	}
	signer := op.Accounts[0]
	if !signer.IsSigner || !signer.IsWritable {
		return "", fmt.Errorf("invalid instruction: first account must be a writable signer")
	}
	if _, ok := l.signers[signer.Pubkey]; !ok {
		return "", fmt.Errorf("invalid signature for %s", signer.Pubkey)
	}
	var payload struct {
		Amount   string `json:"amount"`
		Asset    string `json:"asset"`
		AssetIn  string `json:"asset_in"`
		AssetOut string `json:"asset_out"`
		AmountIn string `json:"amount_in"`
		MinOut   string `json:"min_out"`
	}
	if strings.TrimSpace(op.Data) != "" {
		if err := json.Unmarshal([]byte(op.Data), &payload); err != nil {
			return "", fmt.Errorf("invalid instruction data: %v", err)
		}
	}
	from := accountIn(work, signer.Pubkey)
	touched[signer.Pubkey] = struct{}{}

	switch op.ProgramID {
	case ProgramSystem, ProgramToken:
		if len(op.Accounts) < 2 || !op.Accounts[1].IsWritable {
			return "", fmt.Errorf("invalid instruction: transfer needs a writable recipient")
		}
		amount, err := positive(payload.Amount)
		if err != nil {
			return "", err
		}
		to := accountIn(work, op.Accounts[1].Pubkey)
		touched[op.Accounts[1].Pubkey] = struct{}{}
		if op.ProgramID == ProgramSystem {
			if from.native.Cmp(amount) < 0 {
				return "", fmt.Errorf("insufficient funds: balance %s, need %s", from.native, amount)
			}
			from.native.Sub(from.native, amount)
			to.native.Add(to.native, amount)
			return fmt.Sprintf("Program system: transfer %s to %s", amount, op.Accounts[1].Pubkey), nil
		}
		bal := tokenBalance(from, payload.Asset)
		if bal.Cmp(amount) < 0 {
			return "", fmt.Errorf("insufficient funds: %s balance %s, need %s", payload.Asset, bal, amount)
		}
		bal.Sub(bal, amount)
		tokenBalance(to, payload.Asset).Add(tokenBalance(to, payload.Asset), amount)
		return fmt.Sprintf("Program token: transfer %s %s to %s", amount, payload.Asset, op.Accounts[1].Pubkey), nil

	case ProgramSwap:
		amountIn, err := positive(payload.AmountIn)
		if err != nil {
			return "", err
		}
		out, err := l.quote(payload.AssetIn, payload.AssetOut, amountIn)
		if err != nil {
			return "", err
		}
		if payload.MinOut != "" {
			floor, err := flow.ParseAmount(payload.MinOut)
			if err != nil {
				return "", fmt.Errorf("invalid instruction data: %v", err)
			}
			if out.Cmp(floor) < 0 {
				return "", fmt.Errorf("slippage exceeded: quote %s below minimum %s", out, floor)
			}
		}
		src := balanceRef(from, payload.AssetIn)
		if src.Cmp(amountIn) < 0 {
			return "", fmt.Errorf("insufficient funds: %s balance %s, need %s", payload.AssetIn, src, amountIn)
		}
		src.Sub(src, amountIn)
		dst := balanceRef(from, payload.AssetOut)
		dst.Add(dst, out)
		output["amount_out"] = out.String()
		output["asset_out"] = payload.AssetOut
		if d, ok := l.decimals[payload.AssetOut]; ok {
			if ui, err := flow.FormatAmount(out.String(), d); err == nil {
				output["amount_out_ui"] = ui
			}
		}
		return fmt.Sprintf("Program swap: %s %s -> %s %s", amountIn, payload.AssetIn, out, payload.AssetOut), nil
	}
	return "", fmt.Errorf("invalid instruction: unknown program %s", op.ProgramID)
}

// quote converts amountIn between assets using snapshot prices and decimals.
func (l *Ledger) quote(assetIn, assetOut string, amountIn *big.Int) (*big.Int, error) {
	pin, ok1 := l.prices[assetIn]
	pout, ok2 := l.prices[assetOut]
	if !ok1 || !ok2 || pin == 0 || pout == 0 {
		return nil, fmt.Errorf("route not found: %s -> %s", assetIn, assetOut)
	}
	v := new(big.Float).SetInt(amountIn)
	v.Mul(v, big.NewFloat(pin/pout))
	shift := l.decimals[assetOut] - l.decimals[assetIn]
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs(shift))), nil))
	if shift >= 0 {
		v.Mul(v, scale)
	} else {
		v.Quo(v, scale)
	}
	out, _ := v.Int(nil)
	if out.Sign() <= 0 {
		return nil, fmt.Errorf("insufficient liquidity: amount too small")
	}
	return out, nil
}

// FetchAccountSnapshot returns the current state of owner.
func (l *Ledger) FetchAccountSnapshot(ctx context.Context, owner string) (*flow.AccountSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[owner]
	if !ok {
		return nil, fmt.Errorf("account not found: %s", owner)
	}
	snap := &flow.AccountSnapshot{
		Owner:          owner,
		NativeSymbol:   l.wallet.NativeSymbol,
		NativeBalance:  acc.native.String(),
		NativeDecimals: l.wallet.NativeDecimals,
		NativePriceUSD: l.wallet.NativePriceUSD,
		FetchedAt:      time.Now(),
	}
	for _, a := range l.wallet.Assets {
		asset := a
		if bal, ok := acc.tokens[a.AssetID]; ok {
			asset.Balance = bal.String()
		} else {
			asset.Balance = "0"
		}
		snap.Assets = append(snap.Assets, asset)
	}
	return snap, nil
}

// Balance returns the native balance of pubkey, or zero.
func (l *Ledger) Balance(pubkey string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok := l.accounts[pubkey]; ok {
		return new(big.Int).Set(acc.native)
	}
	return new(big.Int)
}

// TokenBalance returns the balance of asset held by pubkey, or zero.
func (l *Ledger) TokenBalance(pubkey, asset string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok := l.accounts[pubkey]; ok {
		if v, ok := acc.tokens[asset]; ok {
			return new(big.Int).Set(v)
		}
	}
	return new(big.Int)
}

func (l *Ledger) states(accounts map[string]*account, touched map[string]struct{}) map[string]flow.AccountState {
	keys := make([]string, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]flow.AccountState, len(keys))
	for _, k := range keys {
		acc, ok := accounts[k]
		if !ok {
			out[k] = flow.AccountState{NativeBalance: "0"}
			continue
		}
		st := flow.AccountState{NativeBalance: acc.native.String()}
		if len(acc.tokens) > 0 {
			st.Tokens = make(map[string]string, len(acc.tokens))
			for asset, v := range acc.tokens {
				st.Tokens[asset] = v.String()
			}
		}
		out[k] = st
	}
	return out
}

func accountIn(work map[string]*account, pubkey string) *account {
	acc, ok := work[pubkey]
	if !ok {
		acc = &account{native: new(big.Int), tokens: make(map[string]*big.Int)}
		work[pubkey] = acc
	}
	return acc
}

func tokenBalance(acc *account, asset string) *big.Int {
	v, ok := acc.tokens[asset]
	if !ok {
		v = new(big.Int)
		acc.tokens[asset] = v
	}
	return v
}

func balanceRef(acc *account, asset string) *big.Int {
	if asset == NativeAsset {
		return acc.native
	}
	return tokenBalance(acc, asset)
}

func positive(raw string) (*big.Int, error) {
	v, err := flow.ParseAmount(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid instruction data: %v", err)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("invalid instruction data: amount must be positive")
	}
	return v, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
