package aiprovider

import (
	"context"
	"errors"
	"fmt"

	creditdomain "github.com/tabulahq/tabula/internal/credit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrProviderUnavailable = errors.New("provider_unavailable")

// Provider produces a completion for an already-authorized request. The
// entitlement check happens before Invoke; implementations never see denied
// traffic.
type Provider interface {
	Invoke(ctx context.Context, model creditdomain.Model, prompt string) (string, error)
}

type Params struct {
	fx.In

	Log *zap.Logger
}

type echoProvider struct {
	log *zap.Logger
}

// NewEchoProvider returns a development backend that echoes the prompt. Real
// model backends plug in behind the same interface.
func NewEchoProvider(p Params) Provider {
	return &echoProvider{log: p.Log.Named("aiprovider.echo")}
}

func (e *echoProvider) Invoke(ctx context.Context, model creditdomain.Model, prompt string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	e.log.Debug("invoke", zap.String("model", string(model)))
	return fmt.Sprintf("[%s] %s", model, prompt), nil
}

// Registry routes invocations to model-specific backends. Models without a
// dedicated backend fall through to the default.
type Registry struct {
	backends  map[creditdomain.Model]Provider
	defaultTo Provider
}

func NewRegistry(defaultTo Provider) *Registry {
	return &Registry{
		backends:  map[creditdomain.Model]Provider{},
		defaultTo: defaultTo,
	}
}

// Register binds a backend to a model, replacing any previous binding.
func (r *Registry) Register(model creditdomain.Model, backend Provider) {
	if backend == nil {
		return
	}
	r.backends[model] = backend
}

func (r *Registry) Invoke(ctx context.Context, model creditdomain.Model, prompt string) (string, error) {
	if backend, ok := r.backends[model]; ok {
		return backend.Invoke(ctx, model, prompt)
	}
	if r.defaultTo == nil {
		return "", fmt.Errorf("%w: %s", ErrProviderUnavailable, model)
	}
	return r.defaultTo.Invoke(ctx, model, prompt)
}

func provideRegistry(p Params) Provider {
	return NewRegistry(NewEchoProvider(p))
}

var Module = fx.Module("aiprovider",
	fx.Provide(provideRegistry),
)
