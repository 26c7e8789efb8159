package marketdata

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/ordercore/internal/ports"
)

var mdLog = logrus.WithField("component", "marketdata")

// Fanout 按注册顺序把行情分发给多个处理器（例如先纸交易撮合，再执行器判定止损）
type Fanout []ports.PriceUpdateHandler

func (f Fanout) OnPriceUpdate(ctx context.Context, symbol string, price decimal.Decimal) {
	for _, h := range f {
		if h == nil {
			continue
		}
		h.OnPriceUpdate(ctx, symbol, price)
	}
}

var _ ports.PriceUpdateHandler = Fanout(nil)
