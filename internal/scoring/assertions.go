package scoring

import (
	"fmt"
	"math/big"

	"LedgerFlow/internal/flow"
)

// EvaluateAssertions 对最终状态断言做诊断检查，结果不参与评分。
func EvaluateAssertions(plan *flow.FlowPlan, last *flow.AgentObservation, norm normalizer) []flow.AssertionReport {
	assertions := plan.GroundTruth.FinalStateAssertions
	if len(assertions) == 0 {
		return nil
	}
	reports := make([]flow.AssertionReport, 0, len(assertions))
	for _, a := range assertions {
		reports = append(reports, evaluate(plan, last, norm, a))
	}
	return reports
}

func evaluate(plan *flow.FlowPlan, last *flow.AgentObservation, norm normalizer, a flow.Assertion) flow.AssertionReport {
	report := flow.AssertionReport{Assertion: a}
	if last == nil {
		report.Message = "no observation recorded"
		return report
	}
	pubkey := norm.identifier(a.Pubkey)
	state, ok := last.AccountStates[pubkey]
	if !ok {
		state, ok = last.AccountStates[a.Pubkey]
	}
	if !ok {
		report.Message = fmt.Sprintf("account %s not present in final observation", a.Pubkey)
		return report
	}

	switch a.Type {
	case flow.AssertNativeBalance:
		report.Actual = state.NativeBalance
		return compare(report, state.NativeBalance, a.Expected, "")
	case flow.AssertTokenBalance:
		asset := norm.identifier(a.Asset)
		actual := state.Tokens[asset]
		report.Actual = actual
		return compare(report, actual, a.Expected, a.ExpectedGTE)
	case flow.AssertNativeBalanceChange:
		owner := norm.identifier(plan.Wallet.Owner)
		if pubkey != owner && a.Pubkey != plan.Wallet.Owner {
			report.Message = "balance change is only tracked for the subject wallet"
			return report
		}
		before, err1 := flow.ParseAmount(plan.Wallet.NativeBalance)
		after, err2 := flow.ParseAmount(state.NativeBalance)
		floor, err3 := flow.ParseAmount(a.ExpectedChangeGTE)
		if err1 != nil || err2 != nil || err3 != nil {
			report.Message = "unparseable amount"
			return report
		}
		delta := new(big.Int).Sub(after, before)
		report.Evaluated = true
		report.Actual = delta.String()
		report.Passed = delta.Cmp(floor) >= 0
		if !report.Passed {
			report.Message = fmt.Sprintf("%s native change %s < %s", a.Pubkey, delta, floor)
		}
		return report
	}
	report.Message = "unsupported assertion type " + a.Type
	return report
}

func compare(report flow.AssertionReport, actualRaw, expectedRaw, gteRaw string) flow.AssertionReport {
	actual, err := flow.ParseAmount(actualRaw)
	if err != nil {
		report.Message = "unparseable actual amount"
		return report
	}
	report.Evaluated = true
	report.Passed = true
	if expectedRaw != "" {
		expected, err := flow.ParseAmount(expectedRaw)
		if err != nil {
			report.Evaluated = false
			report.Passed = false
			report.Message = "unparseable expected amount"
			return report
		}
		if actual.Cmp(expected) != 0 {
			report.Passed = false
			report.Message = fmt.Sprintf("%s balance %s != %s", report.Assertion.Pubkey, actual, expected)
		}
	}
	if gteRaw != "" {
		floor, err := flow.ParseAmount(gteRaw)
		if err != nil {
			report.Evaluated = false
			report.Passed = false
			report.Message = "unparseable expected_gte amount"
			return report
		}
		if actual.Cmp(floor) < 0 {
			report.Passed = false
			report.Message = fmt.Sprintf("%s balance %s < %s", report.Assertion.Pubkey, actual, floor)
		}
	}
	return report
}
