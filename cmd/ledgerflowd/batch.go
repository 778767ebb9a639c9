package main

import (
	"encoding/json"
	"fmt"
	"io"

	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/run"

	"github.com/spf13/cobra"
)

type batchOutput struct {
	Plan   string           `json:"plan"`
	FlowID string           `json:"flow_id,omitempty"`
	Result *flow.TestResult `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func (c *cli) runCommand() *cobra.Command {
	var (
		parallel  int
		benchmark bool
	)
	cmd := &cobra.Command{
		Use:   "run <plan.yaml>...",
		Short: "本地执行一个或多个流程计划并输出 JSON 结果",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plans := make([]*flow.FlowPlan, 0, len(args))
			for _, path := range args {
				plan, err := flow.LoadPlan(path)
				if err != nil {
					return err
				}
				plans = append(plans, plan)
			}

			factory, closeLedger, err := buildFactory(cmd.Context(), c.cfg, nil)
			if err != nil {
				return err
			}
			defer closeLedger()

			if parallel <= 0 {
				parallel = c.cfg.Engine.Workers
			}
			items, err := run.RunBatch(cmd.Context(), plans, factory, c.cfg.Engine.BenchmarkMode, parallel)
			if err != nil {
				return err
			}
			return writeBatch(cmd.OutOrStdout(), args, items)
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "并发执行的计划数量，默认取 engine.workers")
	cmd.Flags().BoolVar(&benchmark, "benchmark", false, "强制使用计划中的钱包快照")
	return cmd
}

func writeBatch(w io.Writer, paths []string, items []run.BatchItem) error {
	out := make([]batchOutput, len(items))
	failed := 0
	for i, item := range items {
		out[i] = batchOutput{Plan: paths[i], Result: item.Result}
		if item.Plan != nil {
			out[i].FlowID = item.Plan.FlowID
		}
		if item.Err != nil {
			out[i].Error = item.Err.Error()
			failed++
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d 个计划执行出错", failed)
	}
	return nil
}

func (c *cli) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.yaml>...",
		Short: "检查流程计划的结构",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invalid := 0
			for _, path := range args {
				plan, err := flow.LoadPlan(path)
				if err != nil {
					invalid++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK   %s (flow_id=%s, steps=%d, expected_instructions=%d)\n",
					path, plan.FlowID, len(plan.Steps), len(plan.GroundTruth.ExpectedInstructions))
			}
			if invalid > 0 {
				return fmt.Errorf("%d 个计划无效", invalid)
			}
			return nil
		},
	}
}
