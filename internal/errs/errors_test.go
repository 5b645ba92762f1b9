package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without cause",
			err:  New(ErrKindPoolNotFound, "no pool named analytics"),
			want: "[pool_not_found] no pool named analytics",
		},
		{
			name: "with cause",
			err:  Wrap(ErrKindConnector, "open failed", errors.New("dial tcp: refused")),
			want: "[connector_error] open failed: dial tcp: refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pred func(error) bool
		want bool
	}{
		{"pool not found", New(ErrKindPoolNotFound, "x"), IsPoolNotFound, true},
		{"pool already exists", New(ErrKindPoolAlreadyExists, "x"), IsPoolAlreadyExists, true},
		{"pool unhealthy", New(ErrKindPoolUnhealthy, "x"), IsPoolUnhealthy, true},
		{"acquire timeout", New(ErrKindAcquireTimeout, "x"), IsAcquireTimeout, true},
		{"lease not found", New(ErrKindLeaseNotFound, "x"), IsLeaseNotFound, true},
		{"shutting down", New(ErrKindShuttingDown, "x"), IsShuttingDown, true},
		{"connector", New(ErrKindConnector, "x"), IsConnector, true},
		{"invalid config", New(ErrKindInvalidConfig, "x"), IsInvalidConfig, true},
		{"kind mismatch", New(ErrKindAcquireTimeout, "x"), IsPoolNotFound, false},
		{"plain error", errors.New("plain"), IsAcquireTimeout, false},
		{"nil error", nil, IsLeaseNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pred(tt.err))
		})
	}
}

func TestPredicates_WrappedChain(t *testing.T) {
	// Predicates must see through fmt.Errorf %w wrapping.
	inner := New(ErrKindPoolUnhealthy, "pool analytics failed 2 probes")
	outer := fmt.Errorf("acquire: %w", inner)

	assert.True(t, IsPoolUnhealthy(outer))
	assert.False(t, IsAcquireTimeout(outer))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(ErrKindConnector, "probe failed", cause)

	require.ErrorIs(t, err, cause)

	var e *Error
	require.ErrorAs(t, fmt.Errorf("health: %w", err), &e)
	assert.Equal(t, ErrKindConnector, e.Kind)
}
