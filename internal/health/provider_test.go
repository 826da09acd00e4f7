package health

import (
	"context"
	"errors"
	"testing"

	"github.com/objectfs/objectfs/internal/provider"
)

type stubProvider struct {
	provider.Provider
	required, observed string
	err                error
}

func (p *stubProvider) CheckVersion(ctx context.Context) (string, string, error) {
	return p.required, p.observed, p.err
}

func TestProviderComponentHealthCheck(t *testing.T) {
	t.Parallel()

	c := NewProviderComponent("s3", &stubProvider{required: "1", observed: "2"})
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v, want nil", err)
	}

	if c.GetComponentName() != "s3" || c.GetComponentType() != "provider" {
		t.Fatalf("unexpected component identity: %s/%s", c.GetComponentName(), c.GetComponentType())
	}
}

func TestProviderComponentHealthCheckStaleVersion(t *testing.T) {
	t.Parallel()

	c := NewProviderComponent("s3", &stubProvider{required: "2", observed: "1"})
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Fatal("HealthCheck() error = nil, want version mismatch error")
	}
}

func TestProviderComponentHealthCheckError(t *testing.T) {
	t.Parallel()

	c := NewProviderComponent("s3", &stubProvider{err: errors.New("conn refused")})
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Fatal("HealthCheck() error = nil, want propagated error")
	}
}
