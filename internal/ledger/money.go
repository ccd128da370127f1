package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseAmount converts a decimal string into minor units for the given
// token precision. It rejects negative values, malformed input and any
// value carrying more fractional digits than the token allows.
func ParseAmount(value string, decimals int) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("金额不能为空")
	}
	if decimals < 0 || decimals > 18 {
		return 0, fmt.Errorf("不支持的精度 %d", decimals)
	}
	if strings.HasPrefix(value, "-") {
		return 0, fmt.Errorf("金额不能为负数: %s", value)
	}

	whole := value
	frac := ""
	if idx := strings.IndexByte(value, '.'); idx >= 0 {
		whole = value[:idx]
		frac = value[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return 0, fmt.Errorf("金额 %s 超出精度 %d 位", value, decimals)
	}

	wholeUnits, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("解析金额整数部分失败: %w", err)
	}

	scale := int64(1)
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	if wholeUnits > (1<<62)/scale {
		return 0, fmt.Errorf("金额 %s 溢出", value)
	}
	minor := wholeUnits * scale

	if frac != "" {
		fracUnits, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("解析金额小数部分失败: %w", err)
		}
		for i := len(frac); i < decimals; i++ {
			fracUnits *= 10
		}
		minor += fracUnits
	}
	return minor, nil
}

// FormatAmount renders minor units back into a decimal string.
func FormatAmount(minor int64, decimals int) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	scale := int64(1)
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	if decimals == 0 {
		return sign + strconv.FormatInt(minor, 10)
	}
	whole := minor / scale
	frac := minor % scale
	return fmt.Sprintf("%s%d.%0*d", sign, whole, decimals, frac)
}
