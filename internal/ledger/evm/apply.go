package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// Program identifiers understood by the EVM ledger. Any other program id must
// be a contract address and carries hex call data.
const (
	ProgramSystem = "system"
	ProgramToken  = "token"
)

type call struct {
	to    common.Address
	value *big.Int
	data  []byte
	// touched addresses and tokens reported back in the observation
	accounts []common.Address
	token    *common.Address
}

type payload struct {
	Amount   string `json:"amount"`
	Asset    string `json:"asset"`
	Value    string `json:"value"`
	Calldata string `json:"calldata"`
}

// Apply sends every operation as a transaction after preflighting all of them.
// Rejections by the chain are reported in the observation; transport failures
// are returned as errors.
func (c *Client) Apply(ctx context.Context, action flow.AgentAction) (*flow.AgentObservation, error) {
	calls := make([]call, 0, len(action.Operations))
	for i, op := range action.Operations {
		cl, err := c.decode(op)
		if err != nil {
			return failed(fmt.Sprintf("invalid instruction %d: %v", i, err)), nil
		}
		calls = append(calls, cl)
	}
	if len(calls) == 0 {
		return failed("invalid instruction: empty action"), nil
	}

	chainID, err := c.chain(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "获取链 ID 失败")
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "获取 gas 价格失败")
	}

	gasLimits := make([]uint64, len(calls))
	for i, cl := range calls {
		to := cl.to
		gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: c.from, To: &to, Value: cl.value, Data: cl.data, GasPrice: gasPrice})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return failed(fmt.Sprintf("preflight of operation %d rejected: %v", i, err)), nil
		}
		gasLimits[i] = gas
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "获取 nonce 失败")
	}
	signer := coretypes.LatestSignerForChainID(chainID)

	obs := &flow.AgentObservation{
		LastTransactionStatus: flow.StatusSuccess,
		Output:                map[string]any{},
	}
	var hashes []string
	var gasUsed uint64
	for i, cl := range calls {
		to := cl.to
		tx, err := coretypes.SignNewTx(c.key, signer, &coretypes.LegacyTx{
			Nonce:    nonce + uint64(i),
			To:       &to,
			Value:    cl.value,
			Gas:      gasLimits[i],
			GasPrice: gasPrice,
			Data:     cl.data,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "签名交易失败")
		}
		if err := c.backend.SendTransaction(ctx, tx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			obs.LastTransactionStatus = flow.StatusFailure
			obs.LastTransactionError = fmt.Sprintf("transaction %d rejected: %v", i, err)
			break
		}
		if c.commit != nil {
			c.commit()
		}
		receipt, err := c.waitReceipt(ctx, tx.Hash())
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, tx.Hash().Hex())
		gasUsed += receipt.GasUsed
		obs.LastTransactionLogs = append(obs.LastTransactionLogs,
			fmt.Sprintf("tx %s mined in block %s status %d", tx.Hash().Hex(), receipt.BlockNumber, receipt.Status))
		if receipt.Status != coretypes.ReceiptStatusSuccessful {
			obs.LastTransactionStatus = flow.StatusFailure
			obs.LastTransactionError = fmt.Sprintf("execution reverted: transaction %s", tx.Hash().Hex())
			break
		}
	}
	obs.Output["tx_hashes"] = hashes
	obs.Output["gas_used"] = gasUsed
	obs.AccountStates = c.states(ctx, calls)
	return obs, nil
}

func (c *Client) decode(op flow.Operation) (call, error) {
	if len(op.Accounts) == 0 {
		return call{}, fmt.Errorf("no accounts")
	}
	signer := op.Accounts[0]
	if !signer.IsSigner || !signer.IsWritable {
		return call{}, fmt.Errorf("first account must be a writable signer")
	}
	if !common.IsHexAddress(signer.Pubkey) || common.HexToAddress(signer.Pubkey) != c.from {
		return call{}, fmt.Errorf("invalid signature for %s", signer.Pubkey)
	}
	var p payload
	if strings.TrimSpace(op.Data) != "" && strings.HasPrefix(strings.TrimSpace(op.Data), "{") {
		if err := json.Unmarshal([]byte(op.Data), &p); err != nil {
			return call{}, err
		}
	}

	switch op.ProgramID {
	case ProgramSystem:
		to, err := recipient(op)
		if err != nil {
			return call{}, err
		}
		amount, err := flow.ParseAmount(p.Amount)
		if err != nil {
			return call{}, err
		}
		return call{to: to, value: amount, accounts: []common.Address{c.from, to}}, nil
	case ProgramToken:
		to, err := recipient(op)
		if err != nil {
			return call{}, err
		}
		if !common.IsHexAddress(p.Asset) {
			return call{}, fmt.Errorf("asset %q is not a token address", p.Asset)
		}
		amount, err := flow.ParseAmount(p.Amount)
		if err != nil {
			return call{}, err
		}
		input, err := c.erc20.Pack("transfer", to, amount)
		if err != nil {
			return call{}, err
		}
		token := common.HexToAddress(p.Asset)
		return call{to: token, value: new(big.Int), data: input, accounts: []common.Address{c.from, to}, token: &token}, nil
	}

	if !common.IsHexAddress(op.ProgramID) {
		return call{}, fmt.Errorf("unknown program %s", op.ProgramID)
	}
	data := strings.TrimSpace(op.Data)
	value := new(big.Int)
	if p.Calldata != "" || p.Value != "" {
		data = p.Calldata
		if p.Value != "" {
			v, err := flow.ParseAmount(p.Value)
			if err != nil {
				return call{}, err
			}
			value = v
		}
	}
	var input []byte
	if data != "" {
		decoded, err := hexutil.Decode(data)
		if err != nil {
			return call{}, fmt.Errorf("call data: %v", err)
		}
		input = decoded
	}
	return call{to: common.HexToAddress(op.ProgramID), value: value, data: input, accounts: []common.Address{c.from}}, nil
}

func recipient(op flow.Operation) (common.Address, error) {
	if len(op.Accounts) < 2 || !op.Accounts[1].IsWritable {
		return common.Address{}, fmt.Errorf("transfer needs a writable recipient")
	}
	if !common.IsHexAddress(op.Accounts[1].Pubkey) {
		return common.Address{}, fmt.Errorf("recipient %q is not an address", op.Accounts[1].Pubkey)
	}
	return common.HexToAddress(op.Accounts[1].Pubkey), nil
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !isNotFound(err) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询交易回执失败")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// states reports balances of the accounts touched by the action. Lookup
// failures leave the account out instead of failing the observation.
func (c *Client) states(ctx context.Context, calls []call) map[string]flow.AccountState {
	out := make(map[string]flow.AccountState)
	for _, cl := range calls {
		for _, addr := range cl.accounts {
			state, ok := out[addr.Hex()]
			if !ok {
				bal, err := c.backend.BalanceAt(ctx, addr, nil)
				if err != nil {
					continue
				}
				state = flow.AccountState{NativeBalance: bal.String()}
			}
			if cl.token != nil {
				if bal, err := c.tokenBalance(ctx, *cl.token, addr); err == nil {
					if state.Tokens == nil {
						state.Tokens = make(map[string]string)
					}
					state.Tokens[cl.token.Hex()] = bal.String()
				}
			}
			out[addr.Hex()] = state
		}
	}
	return out
}

func failed(msg string) *flow.AgentObservation {
	return &flow.AgentObservation{
		LastTransactionStatus: flow.StatusFailure,
		LastTransactionError:  msg,
	}
}
