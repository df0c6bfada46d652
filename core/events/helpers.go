package events

import (
	"math/big"
	"strconv"
	"strings"

	"moneymarket/crypto"
)

func normalizeAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func address(a crypto.Address) string {
	return a.String()
}

func tick(t uint64) string {
	return strconv.FormatUint(t, 10)
}
