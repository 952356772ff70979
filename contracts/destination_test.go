package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestinations(t *testing.T) {
	t.Run("queue routes through the default exchange", func(t *testing.T) {
		_, err := NewQueue("orders.in")
		require.ErrorIs(t, err, ErrValidation, "dots are not allowed")
		_, err = NewExchange("orders.events")
		require.ErrorIs(t, err, ErrValidation)

		q, err := NewQueue("orders-in")
		require.NoError(t, err)
		assert.Equal(t, "orders-in", q.Name())
		assert.Equal(t, "", q.Exchange())
		assert.Equal(t, "orders-in", q.RoutingKey())
	})

	t.Run("exchange routes with an empty key", func(t *testing.T) {
		e, err := NewExchange("events/orders")
		require.NoError(t, err)
		assert.Equal(t, "events/orders", e.Name())
		assert.Equal(t, "events/orders", e.Exchange())
		assert.Equal(t, "", e.RoutingKey())
	})

	t.Run("names are checked against the allow list", func(t *testing.T) {
		valid := []string{"a", "A-z_0:9/x", "queue_1", "ns:queue"}
		for _, name := range valid {
			assert.NoError(t, ValidateDestinationName(name), name)
		}

		invalid := []string{"", "with space", "dot.ted", "star*", "ü"}
		for _, name := range invalid {
			err := ValidateDestinationName(name)
			assert.ErrorIs(t, err, ErrValidation, name)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, name, verr.Value)
		}
	})

	t.Run("invalid exchange name is rejected", func(t *testing.T) {
		_, err := NewExchange("bad name")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestErrorTaxonomy(t *testing.T) {
	t.Run("wrapped transient faults are recognised", func(t *testing.T) {
		err := fmt.Errorf("publish: %w", ErrTransientConnection)
		assert.True(t, IsTransient(err))
		assert.False(t, IsTimeout(err))
	})

	t.Run("timeouts are recognised", func(t *testing.T) {
		err := fmt.Errorf("%w: nothing within 1s", ErrTimeout)
		assert.True(t, IsTimeout(err))
		assert.False(t, IsTransient(err))
	})

	t.Run("nil is neither", func(t *testing.T) {
		assert.False(t, IsTransient(nil))
		assert.False(t, IsTimeout(nil))
	})

	t.Run("protocol state faults share a sentinel", func(t *testing.T) {
		for _, err := range []error{ErrAlreadyResponded, ErrNoAcknowledger, ErrAlreadyBound} {
			assert.ErrorIs(t, err, ErrProtocolState)
			assert.False(t, IsTransient(err))
		}
	})
}
