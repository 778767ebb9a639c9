package recovery

import (
	"fmt"
	"math"
	"time"

	xerrors "LedgerFlow/internal/errors"

	"github.com/cenkalti/backoff/v4"
)

// Config 是恢复策略配置，进程启动时加载一次，之后只读。
type Config struct {
	BaseRetryDelayMS       int64   `mapstructure:"base_retry_delay_ms" json:"base_retry_delay_ms"`
	MaxRetryDelayMS        int64   `mapstructure:"max_retry_delay_ms" json:"max_retry_delay_ms"`
	BackoffMultiplier      float64 `mapstructure:"backoff_multiplier" json:"backoff_multiplier"`
	MaxRecoveryTimeMS      int64   `mapstructure:"max_recovery_time_ms" json:"max_recovery_time_ms"`
	MaxAttempts            int     `mapstructure:"max_attempts" json:"max_attempts"`
	EnableAlternativeFlows bool    `mapstructure:"enable_alternative_flows" json:"enable_alternative_flows"`
	EnableUserFulfillment  bool    `mapstructure:"enable_user_fulfillment" json:"enable_user_fulfillment"`
}

// DefaultConfig 返回默认恢复配置。MaxAttempts 为 0 表示只受时间预算约束；
// 用户介入默认关闭，失败的关键步骤直接结束运行。
func DefaultConfig() Config {
	return Config{
		BaseRetryDelayMS:       1000,
		MaxRetryDelayMS:        30000,
		BackoffMultiplier:      1.5,
		MaxRecoveryTimeMS:      300000,
		EnableAlternativeFlows: true,
	}
}

// Validate 检查配置取值。
func (c Config) Validate() error {
	switch {
	case c.BaseRetryDelayMS < 0:
		return xerrors.New(xerrors.CodeInvalidArgument, "base_retry_delay_ms 不能为负数")
	case c.MaxRetryDelayMS < c.BaseRetryDelayMS:
		return xerrors.New(xerrors.CodeInvalidArgument, "max_retry_delay_ms 不能小于 base_retry_delay_ms")
	case c.BackoffMultiplier < 1:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("backoff_multiplier 必须不小于 1，当前为 %v", c.BackoffMultiplier))
	case c.MaxRecoveryTimeMS < 0:
		return xerrors.New(xerrors.CodeInvalidArgument, "max_recovery_time_ms 不能为负数")
	case c.MaxAttempts < 0:
		return xerrors.New(xerrors.CodeInvalidArgument, "max_attempts 不能为负数")
	}
	return nil
}

// Delay 计算第 attempt 次重试（从 1 开始）的等待时间：
// min(base * multiplier^(attempt-1), max)。
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(time.Duration(c.BaseRetryDelayMS) * time.Millisecond)
	ceiling := time.Duration(c.MaxRetryDelayMS) * time.Millisecond
	d := base * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if d >= float64(ceiling) || math.IsInf(d, 1) {
		return ceiling
	}
	return time.Duration(d)
}

// RecoveryBudget 返回单个步骤的恢复时间预算。
func (c Config) RecoveryBudget() time.Duration {
	return time.Duration(c.MaxRecoveryTimeMS) * time.Millisecond
}

// Schedule 返回与 Delay 一致的无抖动指数退避序列。
func (c Config) Schedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(c.BaseRetryDelayMS) * time.Millisecond
	b.MaxInterval = time.Duration(c.MaxRetryDelayMS) * time.Millisecond
	b.Multiplier = c.BackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
