package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	var verr *ValidationError
	require.ErrorAs(t, Invalid("bad %s", "input"), &verr)
	require.Equal(t, "bad input", verr.Error())

	var nerr *NotFoundError
	require.ErrorAs(t, NotFound("campaign", "abc"), &nerr)
	require.Equal(t, "campaign abc not found", nerr.Error())

	var cerr *StateConflictError
	require.ErrorAs(t, Conflict("cancel", StatusSent), &cerr)
	require.Equal(t, "cannot cancel a campaign in status SENT", cerr.Error())
}

func TestProviderErrorUnwraps(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := &ProviderError{Err: cause}
	require.ErrorIs(t, err, cause)
	require.Equal(t, "provider: connection refused", err.Error())

	wrapped := fmt.Errorf("send: %w", err)
	var perr *ProviderError
	require.True(t, errors.As(wrapped, &perr))
}
