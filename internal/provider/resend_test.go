package provider

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftmail/email-scheduler/internal/core"
)

func TestNewResendRequiresCredentials(t *testing.T) {
	_, err := NewResend("", "from@example.com")
	var cerr *core.ConfigurationError
	require.ErrorAs(t, err, &cerr)

	_, err = NewResend("re_key", "")
	require.ErrorAs(t, err, &cerr)

	m, err := NewResend("re_key", "from@example.com")
	require.NoError(t, err)
	require.NotNil(t, m)
}
