package market

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// FromReadable 将可读数量按精度放大为整数单位，多余小数直接截断。
func FromReadable(value decimal.Decimal, decimals uint8) (uint64, error) {
	if value.IsNegative() {
		return 0, fmt.Errorf("market: 数量不能为负 %s", value)
	}
	scaled := value.Shift(int32(decimals)).Truncate(0)
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("market: 数量溢出 %s (decimals=%d)", value, decimals)
	}
	return bi.Uint64(), nil
}

// ToReadable 将整数单位还原为可读数量。
func ToReadable(value uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(value), -int32(decimals))
}
