package flow

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseAmount 解析最小单位的十进制整数金额，空字符串视为 0。
func ParseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("无效的金额: %q", raw)
	}
	return v, nil
}

// FormatAmount 将最小单位金额按精度格式化，小数位总是补齐，例如 9 位精度总输出 9 位小数。
func FormatAmount(raw string, decimals int) (string, error) {
	if decimals < 0 {
		return "", fmt.Errorf("无效的精度: %d", decimals)
	}
	v, err := ParseAmount(raw)
	if err != nil {
		return "", err
	}
	return formatBig(v, decimals), nil
}

func formatBig(v *big.Int, decimals int) string {
	sign := ""
	abs := new(big.Int).Set(v)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}
	digits := abs.String()
	if decimals == 0 {
		return sign + digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	cut := len(digits) - decimals
	return sign + digits[:cut] + "." + digits[cut:]
}

// UnitsValue 计算最小单位金额按价格折算的价值，金额无效时返回 0。
func UnitsValue(raw string, decimals int, price float64) float64 {
	if price == 0 {
		return 0
	}
	v, err := ParseAmount(raw)
	if err != nil {
		return 0
	}
	f := new(big.Float).SetInt(v)
	if decimals > 0 {
		scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
		f.Quo(f, scale)
	}
	units, _ := f.Float64()
	return units * price
}
