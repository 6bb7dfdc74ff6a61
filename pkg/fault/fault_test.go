package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/openibank/openibank-sub001/pkg/fault"
	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKindThroughWrapping(t *testing.T) {
	err := fault.New(fault.PermitExhausted, "budget.consume", "amount %d exceeds remaining %d", 10, 5)
	wrapped := fmt.Errorf("submit: %w", err)

	assert.True(t, errors.Is(wrapped, fault.ErrPermitExhausted))
	assert.False(t, errors.Is(wrapped, fault.ErrPermitExpired))
	assert.Equal(t, fault.PermitExhausted, fault.KindOf(wrapped))
	assert.Equal(t, "budget.consume: PermitExhausted: amount 10 exceeds remaining 5", err.Error())
}

func TestKindOfUnknownErrorIsUnavailable(t *testing.T) {
	assert.Equal(t, fault.Unavailable, fault.KindOf(errors.New("disk full")))
	assert.Equal(t, fault.Kind(""), fault.KindOf(nil))
	assert.True(t, fault.Unavailable.Retryable())
	assert.False(t, fault.InsufficientFunds.Retryable())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := fault.Wrap(fault.Unavailable, "journal.append", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, fault.ErrUnavailable)
}
