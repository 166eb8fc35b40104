package payment

import (
	"context"
	"fmt"

	"github.com/omnitool-app/omnitool/internal/pkg/config"
)

// Provider is the uniform per-provider contract. CreateOrder starts a
// checkout, Capture settles providers that need an explicit capture
// (stripe, alipay), Query polls providers whose completion is asynchronous
// (wechat, apple). Implementations hide provider transports entirely;
// callers only ever see normalized Results and the shared error taxonomy.
type Provider interface {
	Method() Method
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	Capture(ctx context.Context, providerRef string) (*Result, error)
	Query(ctx context.Context, providerRef string) (*Result, error)
}

// Registry dispatches on a payment method tag. It is built once at startup
// from configuration and injected wherever provider access is needed.
type Registry struct {
	providers map[Method]Provider
}

// NewRegistry wires all four providers from the process configuration.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{providers: map[Method]Provider{}}
	r.Register(NewStripeProvider(cfg.Stripe))
	r.Register(NewAlipayProvider(cfg.Alipay))
	r.Register(NewWechatProvider(cfg.Wechat))
	r.Register(NewAppleProvider(cfg.Apple))
	return r
}

// Register adds or replaces a provider. Tests use it to install fakes.
func (r *Registry) Register(p Provider) {
	r.providers[p.Method()] = p
}

// Get returns the provider for a method tag.
func (r *Registry) Get(method Method) (Provider, error) {
	p, ok := r.providers[method]
	if !ok {
		return nil, fmt.Errorf("unknown payment method %q: %w", method, ErrConfigMissing)
	}
	return p, nil
}
