package runner

import (
	"github.com/smallbiznis/daycare/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.runner",
	fx.Provide(NewConfig),
	fx.Provide(ProvidePricing),
	fx.Provide(New),
)

func ProvidePricing(holder *config.PricingHolder) PricingSource {
	return holder
}
