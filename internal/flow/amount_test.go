package flow

import "testing"

func TestFormatAmountKeepsTrailingZeros(t *testing.T) {
	cases := []struct {
		raw      string
		decimals int
		want     string
	}{
		{"1500000000", 9, "1.500000000"},
		{"1", 9, "0.000000001"},
		{"0", 6, "0.000000"},
		{"", 2, "0.00"},
		{"-250", 2, "-2.50"},
		{"42", 0, "42"},
		{"1000000000000000000", 18, "1.000000000000000000"},
	}
	for _, tc := range cases {
		got, err := FormatAmount(tc.raw, tc.decimals)
		if err != nil {
			t.Fatalf("format %q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("format %q/%d = %q, want %q", tc.raw, tc.decimals, got, tc.want)
		}
	}
}

func TestFormatAmountRejectsGarbage(t *testing.T) {
	if _, err := FormatAmount("1.5", 9); err == nil {
		t.Fatalf("expected error for fractional input")
	}
	if _, err := FormatAmount("10", -1); err == nil {
		t.Fatalf("expected error for negative decimals")
	}
}

func TestComputeTotalValue(t *testing.T) {
	w := WalletContext{
		NativeBalance:  "2000000000",
		NativeDecimals: 9,
		NativePriceUSD: 150,
		Assets: []Asset{
			{AssetID: "usdc", Symbol: "USDC", Balance: "50000000", Decimals: 6, PriceUSD: 1},
			{AssetID: "nop", Symbol: "NOP", Balance: "7", Decimals: 0},
		},
	}
	if got := w.ComputeTotalValue(); got < 349.99 || got > 350.01 {
		t.Fatalf("unexpected total value %f", got)
	}
}
