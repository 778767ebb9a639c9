package run

import (
	"context"

	"golang.org/x/sync/errgroup"

	"LedgerFlow/internal/flow"
)

// BatchItem 是批量执行中单个计划的结果。
type BatchItem struct {
	Plan   *flow.FlowPlan
	Result *flow.TestResult
	Err    error
}

// RunBatch 在当前进程内并发执行多个计划，最多 limit 个同时运行。
// 单个计划的失败记录在对应的 BatchItem 中，不影响其他计划；
// 只有 ctx 结束时才返回错误。结果顺序与输入一致。
func RunBatch(ctx context.Context, plans []*flow.FlowPlan, factory Factory, benchmark bool, limit int) ([]BatchItem, error) {
	items := make([]BatchItem, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, plan := range plans {
		i, plan := i, plan
		items[i].Plan = plan
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				items[i].Err = err
				return err
			}
			exec, err := factory(plan, benchmark)
			if err != nil {
				items[i].Err = err
				return nil
			}
			items[i].Result, items[i].Err = exec.Execute(gctx, plan)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return items, err
	}
	return items, ctx.Err()
}
