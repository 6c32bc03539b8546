// Package catalog wires every marketplace adapter into a registry.
package catalog

import (
	"github.com/vipul43/marketsync/internal/config"
	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/marketplace"
	"github.com/vipul43/marketsync/internal/marketplace/googleshopping"
	"github.com/vipul43/marketsync/internal/marketplace/ozon"
	"github.com/vipul43/marketsync/internal/marketplace/wildberries"
	"github.com/vipul43/marketsync/internal/marketplace/yandexmarket"
	"github.com/vipul43/marketsync/internal/models"
)

// NewRegistry registers all supported adapters. Each constructor returns a
// new instance with its own request limiter.
func NewRegistry(cfg *config.Config, log logger.Logger) *marketplace.Registry {
	clientOpts := marketplace.ClientOptions{
		Interval:        cfg.Adapter.RequestInterval,
		ThrottleRetries: cfg.Adapter.ThrottleRetries,
		Timeout:         cfg.Adapter.Timeout,
	}

	r := marketplace.NewRegistry()
	r.Register(models.MarketplaceWildberries, func() marketplace.Adapter {
		return wildberries.New(wildberries.Options{Client: clientOpts, Logger: log})
	})
	r.Register(models.MarketplaceOzon, func() marketplace.Adapter {
		return ozon.New(ozon.Options{Client: clientOpts, Logger: log})
	})
	r.Register(models.MarketplaceYandexMarket, func() marketplace.Adapter {
		return yandexmarket.New(yandexmarket.Options{Client: clientOpts, Logger: log})
	})
	r.Register(models.MarketplaceGoogleShopping, func() marketplace.Adapter {
		return googleshopping.New(googleshopping.Options{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Client:       clientOpts,
			Logger:       log,
		})
	})
	return r
}
