package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/dispatch-oss/pkg/domain"
)

const denyDataModule = `package dispatch

default allow := true

allow := false if input.category == "data"
`

func TestGuardAllowAndDeny(t *testing.T) {
	ctx := context.Background()
	guard, err := NewGuard(ctx, GuardOptions{Module: denyDataModule})
	require.NoError(t, err)

	allowed, err := guard.Allow(ctx, Input{
		Handler:  "security-scanner",
		Category: domain.CategorySecurity,
		Priority: 1,
		Query:    "scan for vulnerabilities",
	})
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = guard.Allow(ctx, Input{
		Handler:  "schema-migrator",
		Category: domain.CategoryData,
		Priority: 3,
	})
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestGuardUndefinedDecisionAllows(t *testing.T) {
	ctx := context.Background()
	// The rule only defines allow for one handler; everything else is
	// undefined and must pass.
	guard, err := NewGuard(ctx, GuardOptions{Module: `package dispatch

allow := true if input.handler == "only-this-one"
`})
	require.NoError(t, err)

	allowed, err := guard.Allow(ctx, Input{Handler: "anything-else"})
	require.NoError(t, err)
	assert.True(t, allowed, "undefined decisions must not block dispatch")
}

func TestGuardCustomEntrypoint(t *testing.T) {
	ctx := context.Background()
	guard, err := NewGuard(ctx, GuardOptions{
		Entrypoint: "gates/dispatch_ok",
		Module: `package gates

default dispatch_ok := false

dispatch_ok := true if input.priority <= 2
`,
	})
	require.NoError(t, err)

	allowed, err := guard.Allow(ctx, Input{Handler: "x", Priority: 1})
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = guard.Allow(ctx, Input{Handler: "x", Priority: 5})
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestGuardRejectsInvalidModule(t *testing.T) {
	_, err := NewGuard(context.Background(), GuardOptions{Module: "package dispatch\n\nallow :="})
	require.Error(t, err)

	_, err = NewGuard(context.Background(), GuardOptions{Module: "   "})
	require.Error(t, err)
}

func TestGuardNonBooleanDecision(t *testing.T) {
	ctx := context.Background()
	guard, err := NewGuard(ctx, GuardOptions{Module: `package dispatch

allow := "yes"
`})
	require.NoError(t, err)

	_, err = guard.Allow(ctx, Input{Handler: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want bool")
}
