package circuit

import (
	"context"
	"time"

	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/apierr"
)

// Provider wraps a provider.Provider, tripping a breaker around
// ReadFileBytes and UploadFile so a backend that has started failing
// every request gets a cooldown window instead of every chunk download
// and upload attempt paying its full timeout.
type Provider struct {
	provider.Provider
	read   *CircuitBreaker
	upload *CircuitBreaker
}

// Wrap builds a breaker-protected Provider around p. A zero Config
// applies sensible ObjectFS defaults: trip after 5 consecutive failures,
// cool down for 30s.
func Wrap(p provider.Provider, cfg Config) *Provider {
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Provider{
		Provider: p,
		read:     NewCircuitBreaker("provider.read", cfg),
		upload:   NewCircuitBreaker("provider.upload", cfg),
	}
}

func (p *Provider) ReadFileBytes(ctx context.Context, path string, length, offset int64, buf []byte, stop provider.StopSignal) error {
	err := p.read.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return p.Provider.ReadFileBytes(ctx, path, length, offset, buf, stop)
	})
	return wrapTripped(err, "ReadFileBytes", path)
}

func (p *Provider) UploadFile(ctx context.Context, path, sourcePath string, stop provider.StopSignal) error {
	err := p.upload.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return p.Provider.UploadFile(ctx, path, sourcePath, stop)
	})
	return wrapTripped(err, "UploadFile", path)
}

func wrapTripped(err error, op, path string) error {
	if err == ErrOpenState || err == ErrTooManyRequests {
		return apierr.New(apierr.CommError, op, path, err)
	}
	return err
}

var _ provider.Provider = (*Provider)(nil)
