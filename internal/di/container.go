package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mytapcard/api/internal/platform/config"
	"github.com/mytapcard/api/internal/repositories"
	"github.com/mytapcard/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Coupons  services.CouponService
	Orders   services.OrderService
	Payments services.PaymentService
	Catalog  services.CatalogService
	Counters services.CounterService
	System   services.SystemService
}

// Dependencies carries the external collaborators the container cannot build
// itself: persistence, the payment gateway, the event publisher, and logging.
type Dependencies struct {
	Registry repositories.Registry
	Gateway  services.PaymentGateway
	Events   services.OrderEventPublisher
	Logger   *zap.Logger
	Build    services.BuildInfo
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, deps Dependencies) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services
	reg := deps.Registry

	events := deps.Events
	if !cfg.Features.PublishOrderEvents {
		events = nil
	}

	counterRepo := reg.Counters()
	if counterRepo != nil {
		counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
			Repository: counterRepo,
			Clock:      time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build counter service: %w", err)
		}
		svc.Counters = counterSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            deps.Build,
			Counters:         svc.Counters,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	couponRepo := reg.Coupons()
	if couponRepo != nil && cfg.Features.EnableCoupons {
		couponSvc, err := services.NewCouponService(services.CouponServiceDeps{
			Coupons: couponRepo,
			Clock:   time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build coupon service: %w", err)
		}
		svc.Coupons = couponSvc
	}

	if productRepo := reg.Products(); productRepo != nil {
		catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
			Products: productRepo,
			Clock:    time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build catalog service: %w", err)
		}
		svc.Catalog = catalogSvc
	}

	ordersRepo := reg.Orders()
	if ordersRepo != nil && svc.Counters != nil {
		orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
			Orders:            ordersRepo,
			Products:          reg.Products(),
			Coupons:           couponRepo,
			CouponEvaluator:   svc.Coupons,
			Counters:          svc.Counters,
			UnitOfWork:        reg,
			Clock:             time.Now,
			Events:            events,
			Logger:            zapEventLogger(deps.Logger, "orders"),
			StrictFulfillment: cfg.Features.StrictFulfillmentUpdates,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order service: %w", err)
		}
		svc.Orders = orderSvc
	}

	if ordersRepo != nil && deps.Gateway != nil {
		paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
			Orders:          ordersRepo,
			Gateway:         deps.Gateway,
			DefaultProvider: cfg.PSP.DefaultProvider,
			AppBaseURL:      cfg.App.BaseURL,
			Clock:           time.Now,
			Events:          events,
			Logger:          zapEventLogger(deps.Logger, "payments"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build payment service: %w", err)
		}
		svc.Payments = paymentSvc
	}

	return svc, nil
}

// zapEventLogger adapts a zap logger to the event-callback shape services expect.
func zapEventLogger(logger *zap.Logger, name string) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		return nil
	}
	scoped := logger.Named(name)
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		scoped.Debug("service event", zFields...)
	}
}
