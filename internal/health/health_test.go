package health

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestChecker_RunAll(t *testing.T) {
	c := NewChecker(zerolog.New(os.Stderr))
	c.Register("index", func(ctx context.Context) Status { return StatusOK })
	c.Register("runtime", func(ctx context.Context) Status { return StatusDegraded })

	results := c.RunAll(context.Background())
	assert.Equal(t, StatusOK, results["index"])
	assert.Equal(t, StatusDegraded, results["runtime"])
	assert.Equal(t, results, c.Cached())
}

func TestChecker_IsReady(t *testing.T) {
	c := NewChecker(zerolog.New(os.Stderr))
	c.Register("index", func(ctx context.Context) Status { return StatusOK })
	assert.True(t, c.IsReady(context.Background()))

	c.Register("runtime", func(ctx context.Context) Status { return StatusDown })
	assert.False(t, c.IsReady(context.Background()))
}

func TestChecker_DegradedIsStillReady(t *testing.T) {
	c := NewChecker(zerolog.New(os.Stderr))
	c.Register("runtime", func(ctx context.Context) Status { return StatusDegraded })
	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.New(os.Stderr))
	assert.True(t, c.IsReady(context.Background()))
	assert.Empty(t, c.RunAll(context.Background()))
}
