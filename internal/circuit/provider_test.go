package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectfs/internal/item"
	"github.com/objectfs/objectfs/internal/provider"
	"github.com/objectfs/objectfs/pkg/apierr"
)

type failingProvider struct {
	provider.Provider
	readErr error
	reads   int
}

func (p *failingProvider) ReadFileBytes(ctx context.Context, path string, length, offset int64, buf []byte, stop provider.StopSignal) error {
	p.reads++
	return p.readErr
}

func (p *failingProvider) CreateFile(ctx context.Context, path string, meta item.AttributeMap) error {
	return nil
}

func TestProviderTripsAfterConsecutiveFailures(t *testing.T) {
	inner := &failingProvider{readErr: errors.New("boom")}
	p := Wrap(inner, Config{
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
	})

	err := p.ReadFileBytes(context.Background(), "/a", 1, 0, make([]byte, 1), nil)
	require.Error(t, err)
	err = p.ReadFileBytes(context.Background(), "/a", 1, 0, make([]byte, 1), nil)
	require.Error(t, err)

	// Breaker is now open; a third call must not reach the inner provider.
	err = p.ReadFileBytes(context.Background(), "/a", 1, 0, make([]byte, 1), nil)
	require.Error(t, err)
	assert.Equal(t, 2, inner.reads)

	var coreErr *apierr.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, apierr.CommError, coreErr.Code)
}
