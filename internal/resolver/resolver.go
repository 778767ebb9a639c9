package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"
	"LedgerFlow/pkg/logger"

	gocache "github.com/patrickmn/go-cache"
)

// BenchmarkMarker 是合成评测场景中的主体钱包标记。
const BenchmarkMarker = "USER_WALLET_PUBKEY"

const cachePrefix = "placeholder."

// Mode 表示占位符的解析来源。
type Mode int

const (
	// ModeLive 通过账本查询获取实时值。
	ModeLive Mode = iota
	// ModeBenchmark 只使用计划中内嵌的合成快照，不访问账本。
	ModeBenchmark
)

func (m Mode) String() string {
	if m == ModeBenchmark {
		return "benchmark"
	}
	return "live"
}

// DetectMode 根据进程级开关或计划中的评测标记确定解析模式。
func DetectMode(override bool, plan *flow.FlowPlan) Mode {
	if override {
		return ModeBenchmark
	}
	if plan == nil {
		return ModeLive
	}
	if plan.Wallet.Owner == BenchmarkMarker {
		return ModeBenchmark
	}
	if _, ok := plan.KeyMap[BenchmarkMarker]; ok {
		return ModeBenchmark
	}
	for _, name := range plan.GroundTruthNames() {
		if name == BenchmarkMarker {
			return ModeBenchmark
		}
	}
	return ModeLive
}

// LedgerQuery 是实时模式下获取账户快照的协作方。
type LedgerQuery interface {
	FetchAccountSnapshot(ctx context.Context, owner string) (*flow.AccountSnapshot, error)
}

// Scratch 是解析结果缓存所在的草稿存储，通常为 flow.ExecutionContext。
type Scratch interface {
	Scratch(key string) (any, bool)
	SetScratch(key string, value any)
}

// Resolver 负责把占位符解析为运行时的具体值。
type Resolver struct {
	mode    Mode
	plan    *flow.FlowPlan
	scratch Scratch
	query   LedgerQuery
	cache   *gocache.Cache
	logger  *slog.Logger

	mu       sync.Mutex
	snapshot *flow.AccountSnapshot
	resolved map[string]string
}

// Option 定义解析器的可选配置。
type Option func(*Resolver)

// WithMode 指定解析模式。
func WithMode(mode Mode) Option {
	return func(r *Resolver) { r.mode = mode }
}

// WithLedgerQuery 设置实时模式使用的账本查询。
func WithLedgerQuery(q LedgerQuery) Option {
	return func(r *Resolver) { r.query = q }
}

// WithSnapshotCache 设置跨运行共享的快照缓存。
func WithSnapshotCache(c *gocache.Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New 创建解析器。未指定模式时按计划内容自动检测。
func New(plan *flow.FlowPlan, scratch Scratch, opts ...Option) *Resolver {
	r := &Resolver{
		mode:     DetectMode(false, plan),
		plan:     plan,
		scratch:  scratch,
		resolved: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("resolver")
	}
	return r
}

func (r *Resolver) Mode() Mode {
	return r.mode
}

// Resolve 返回占位符的具体值。同一运行内重复解析结果一致。
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", flow.ResolutionError(name, fmt.Errorf("占位符名为空"))
	}
	if v, ok := r.cached(name); ok {
		return v, nil
	}

	value, err := r.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	r.remember(name, value)
	return value, nil
}

// Substitute 替换文本中全部 {NAME} 占位符，任一无法解析即返回错误。
func (r *Resolver) Substitute(ctx context.Context, text string) (string, error) {
	var firstErr error
	out := flow.ReplacePlaceholders(text, func(name string) (string, bool) {
		if firstErr != nil {
			return "", false
		}
		v, err := r.Resolve(ctx, name)
		if err != nil {
			firstErr = err
			return "", false
		}
		return v, true
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ResolveAll 尽力解析一组占位符，返回成功部分与失败原因。
func (r *Resolver) ResolveAll(ctx context.Context, names []string) (map[string]string, map[string]error) {
	values := make(map[string]string, len(names))
	var failures map[string]error
	for _, name := range names {
		v, err := r.Resolve(ctx, name)
		if err != nil {
			if failures == nil {
				failures = make(map[string]error)
			}
			failures[name] = err
			continue
		}
		values[name] = v
	}
	return values, failures
}

// KeyMap 返回当前运行已解析的全部占位符。
func (r *Resolver) KeyMap() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.resolved))
	for k, v := range r.resolved {
		out[k] = v
	}
	return out
}

// WalletContext 返回本次运行使用的钱包上下文。
func (r *Resolver) WalletContext(ctx context.Context) (flow.WalletContext, error) {
	if r.mode == ModeBenchmark {
		w := r.plan.Wallet.Clone()
		w.Placeholders = r.KeyMap()
		return w, nil
	}
	snap, err := r.liveSnapshot(ctx)
	if err != nil {
		return flow.WalletContext{}, err
	}
	w := flow.WalletFromSnapshot(*snap)
	w.Placeholders = r.KeyMap()
	return w, nil
}

func (r *Resolver) cached(name string) (string, bool) {
	if r.scratch != nil {
		if v, ok := r.scratch.Scratch(cachePrefix + name); ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.resolved[name]
	return v, ok
}

func (r *Resolver) remember(name, value string) {
	r.mu.Lock()
	r.resolved[name] = value
	r.mu.Unlock()
	if r.scratch != nil {
		r.scratch.SetScratch(cachePrefix+name, value)
	}
}

func (r *Resolver) lookup(ctx context.Context, name string) (string, error) {
	if r.scratch != nil {
		if v, ok := r.scratch.Scratch(name); ok {
			return stringify(v), nil
		}
	}
	if v, ok := r.plan.KeyMap[name]; ok {
		return v, nil
	}

	if r.mode == ModeBenchmark {
		wallet := r.plan.Wallet
		if v, ok := fromWallet(name, wallet); ok {
			return v, nil
		}
		return "", flow.ResolutionError(name, fmt.Errorf("合成快照中不存在该值"))
	}

	snap, err := r.liveSnapshot(ctx)
	if err != nil {
		return "", flow.ResolutionError(name, err)
	}
	if v, ok := fromWallet(name, flow.WalletFromSnapshot(*snap)); ok {
		return v, nil
	}
	return "", flow.ResolutionError(name, fmt.Errorf("账户快照中不存在该值"))
}

func (r *Resolver) liveSnapshot(ctx context.Context) (*flow.AccountSnapshot, error) {
	r.mu.Lock()
	if r.snapshot != nil {
		snap := r.snapshot
		r.mu.Unlock()
		return snap, nil
	}
	r.mu.Unlock()

	owner := r.plan.Wallet.Owner
	if v, ok := r.plan.KeyMap[owner]; ok {
		owner = v
	}
	if r.cache != nil {
		if v, ok := r.cache.Get(owner); ok {
			snap := v.(*flow.AccountSnapshot)
			r.setSnapshot(snap)
			return snap, nil
		}
	}
	if r.query == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "实时模式未配置账本查询")
	}

	snap, err := r.query.FetchAccountSnapshot(ctx, owner)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "获取账户快照失败")
	}
	if snap == nil {
		return nil, xerrors.New(xerrors.CodeLedgerFailure, "账本返回了空快照")
	}
	r.logger.Debug("fetched live snapshot", slog.String("owner", owner), slog.Int("assets", len(snap.Assets)))
	if r.cache != nil {
		r.cache.Set(owner, snap, gocache.DefaultExpiration)
	}
	r.setSnapshot(snap)
	return snap, nil
}

func (r *Resolver) setSnapshot(s *flow.AccountSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshot == nil {
		r.snapshot = s
	}
}

func fromWallet(name string, w flow.WalletContext) (string, bool) {
	upper := strings.ToUpper(name)
	switch upper {
	case BenchmarkMarker, "WALLET_PUBKEY", "OWNER_PUBKEY":
		return w.Owner, true
	case "NATIVE_BALANCE":
		return formatOrEmpty(w.NativeBalance, w.NativeDecimals)
	case "TOTAL_VALUE_USD":
		return strconv.FormatFloat(w.ComputeTotalValue(), 'f', 2, 64), true
	}

	symbol, field, ok := splitSymbolField(upper)
	if !ok {
		return "", false
	}
	if w.NativeSymbol != "" && strings.EqualFold(symbol, w.NativeSymbol) {
		switch field {
		case "BALANCE":
			return formatOrEmpty(w.NativeBalance, w.NativeDecimals)
		case "PRICE":
			return strconv.FormatFloat(w.NativePriceUSD, 'f', -1, 64), true
		case "DECIMALS":
			return strconv.Itoa(w.NativeDecimals), true
		}
		return "", false
	}
	asset, ok := w.AssetBySymbol(symbol)
	if !ok {
		return "", false
	}
	switch field {
	case "BALANCE":
		return formatOrEmpty(asset.Balance, asset.Decimals)
	case "RAW_BALANCE":
		return asset.Balance, true
	case "MINT", "ADDRESS", "ASSET_ID":
		return asset.AssetID, true
	case "PRICE":
		return strconv.FormatFloat(asset.PriceUSD, 'f', -1, 64), true
	case "DECIMALS":
		return strconv.Itoa(asset.Decimals), true
	}
	return "", false
}

var fieldSuffixes = []string{"RAW_BALANCE", "ASSET_ID", "BALANCE", "ADDRESS", "DECIMALS", "MINT", "PRICE"}

func splitSymbolField(name string) (string, string, bool) {
	for _, suffix := range fieldSuffixes {
		if strings.HasSuffix(name, "_"+suffix) {
			symbol := strings.TrimSuffix(name, "_"+suffix)
			if symbol != "" {
				return symbol, suffix, true
			}
		}
	}
	return "", "", false
}

func formatOrEmpty(raw string, decimals int) (string, bool) {
	v, err := flow.FormatAmount(raw, decimals)
	if err != nil {
		return "", false
	}
	return v, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}
