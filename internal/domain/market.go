package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick 行情推送/轮询得到的最新价
type PriceTick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"time"`
}

// IsValid 验证行情是否有效
func (t *PriceTick) IsValid() bool {
	return t != nil && strings.TrimSpace(t.Symbol) != "" && t.Price.IsPositive()
}
