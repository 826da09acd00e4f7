package health

import (
	"context"
	"fmt"

	"github.com/objectfs/objectfs/internal/provider"
)

// ProviderComponent adapts a Provider into a HealthyComponent; its check
// calls Provider.CheckVersion and compares the observed version string
// with the required one (spec §4.1 "check_version").
type ProviderComponent struct {
	name     string
	provider provider.Provider
}

// NewProviderComponent wraps p for registration with a Monitor.
func NewProviderComponent(name string, p provider.Provider) *ProviderComponent {
	return &ProviderComponent{name: name, provider: p}
}

func (c *ProviderComponent) HealthCheck(ctx context.Context) error {
	required, observed, err := c.provider.CheckVersion(ctx)
	if err != nil {
		return fmt.Errorf("check_version failed: %w", err)
	}
	if observed < required {
		return fmt.Errorf("provider version %s is older than required %s", observed, required)
	}
	return nil
}

func (c *ProviderComponent) GetComponentName() string { return c.name }
func (c *ProviderComponent) GetComponentType() string  { return "provider" }

var _ HealthyComponent = (*ProviderComponent)(nil)
