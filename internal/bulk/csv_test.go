package bulk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcessThreeRowsOneMalformed(t *testing.T) {
	csv := "email,name\nalice@example.com,Alice\nnot-an-email,Bob\ncarol@example.com,Carol\n"

	res, err := Process(csv)
	require.NoError(t, err)
	require.Equal(t, 3, res.Total)
	require.Len(t, res.Valid, 2)
	require.Len(t, res.Invalid, 1)
	require.Equal(t, 3, res.Invalid[0].Row) // header is row 1
	require.Equal(t, "not-an-email", res.Invalid[0].Email)
}

func TestProcessHeadersAreCaseInsensitive(t *testing.T) {
	res, err := Process("Email,NAME\ndave@example.com,Dave\n")
	require.NoError(t, err)
	require.Len(t, res.Valid, 1)
	require.Equal(t, "dave@example.com", res.Valid[0].Email)
	require.NotNil(t, res.Valid[0].Name)
	require.Equal(t, "Dave", *res.Valid[0].Name)
}

func TestProcessMissingEmailField(t *testing.T) {
	res, err := Process("email,name\n,NoAddress\n")
	require.NoError(t, err)
	require.Len(t, res.Valid, 0)
	require.Len(t, res.Invalid, 1)
	require.Equal(t, "email field is missing", res.Invalid[0].Error)
}

func TestProcessNameIsOptional(t *testing.T) {
	res, err := Process("email\neve@example.com\n")
	require.NoError(t, err)
	require.Len(t, res.Valid, 1)
	require.Nil(t, res.Valid[0].Name)
}

func TestProcessMalformedCSVPropagates(t *testing.T) {
	_, err := Process("email,name\n\"unclosed,quote\n")
	require.Error(t, err)
}

func TestProcessEmptyValidSetIsLegal(t *testing.T) {
	res, err := Process("email,name\nbroken,one\n")
	require.NoError(t, err)
	require.Empty(t, res.Valid)
	require.Len(t, res.Invalid, 1)
}
