// Command examples submits a plan to a running ledgerflowd and prints the score.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"LedgerFlow/sdk/go/ledgerflow"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "ledgerflowd address")
	planPath := flag.String("plan", "examples/plans/swap_then_transfer.yaml", "plan file")
	token := flag.String("token", os.Getenv("LEDGERFLOW_TOKEN"), "bearer token")
	flag.Parse()

	plan, err := os.ReadFile(*planPath)
	if err != nil {
		log.Fatalf("read plan: %v", err)
	}
	client, err := ledgerflow.NewClient(*addr, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetAccessToken(*token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	run, err := client.SubmitPlan(ctx, "", plan)
	if err != nil {
		log.Fatalf("submit: %v", err)
	}
	run, err = client.WaitForRun(ctx, run.ID, time.Second)
	if err != nil {
		log.Fatalf("wait: %v", err)
	}
	if run.Status == ledgerflow.StatusSuspended {
		fmt.Printf("run %s needs input at step %s:\n", run.ID, run.Suspension.StepID)
		for _, q := range run.Suspension.Questions {
			fmt.Println(" -", q)
		}
		return
	}
	if run.Result == nil {
		fmt.Printf("run %s %s: %s\n", run.ID, run.Status, run.LastError)
		return
	}
	fmt.Printf("run %s %s score=%.3f completion=%.0f%%\n",
		run.ID, run.Status, run.Result.Score, run.Result.CompletionPercentage)
}
