package acn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		input    string
		expected ID
		invalid  bool
	}{
		{input: "Z1865690", expected: ID{Prefix: 'Z', Number: 1865690}},
		{input: "a0", expected: ID{Prefix: 'a', Number: 0}},
		{input: "Z0100", expected: ID{Prefix: 'Z', Number: 100, Width: 4}},
		{input: "", invalid: true},
		{input: "Z", invalid: true},
		{input: "1234", invalid: true},
		{input: "Z12a4", invalid: true},
		{input: "Z-12", invalid: true},
	}

	for _, test := range testCases {
		id, err := Parse(test.input)
		if test.invalid {
			require.ErrorIs(t, err, ErrInvalid, test.input)
			continue
		}
		require.NoError(t, err, test.input)
		require.Equal(t, test.expected, id)
		require.Equal(t, test.input, id.String())
	}
}

func TestDecrement(t *testing.T) {
	for _, n := range []uint64{1, 2, 9, 10, 100, 1865690} {
		id := ID{Prefix: 'P', Number: n}
		next, err := id.Decrement()
		require.NoError(t, err)
		require.Equal(t, ID{Prefix: 'P', Number: n - 1}, next)
	}

	next, err := MustParse("Z100").Decrement()
	require.NoError(t, err)
	require.Equal(t, "Z99", next.String())

	next, err = MustParse("Z0100").Decrement()
	require.NoError(t, err)
	require.Equal(t, "Z0099", next.String())

	_, err = MustParse("A0").Decrement()
	require.True(t, errors.Is(err, ErrExhausted))
}
