package acn

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrInvalid = errors.New("acn: invalid identifier")
	// ErrExhausted is returned when decrementing an identifier whose number is already 0.
	ErrExhausted = errors.New("acn: identifier space exhausted")
)

// ID is a work item identifier in the form <prefix letter><number>, ex. Z1865690.
type ID struct {
	Prefix byte
	Number uint64
	// Width is the zero-padded width of the number, 0 means no padding.
	Width int
}

func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// Parse parses an identifier like "Z1865690".
func Parse(s string) (ID, error) {
	if len(s) < 2 || !isLetter(s[0]) {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	digits := s[1:]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return ID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
	}
	number, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q: %w", ErrInvalid, s, err)
	}

	width := 0
	if len(digits) > 1 && digits[0] == '0' {
		width = len(digits)
	}
	return ID{Prefix: s[0], Number: number, Width: width}, nil
}

// MustParse is Parse but it panics on an invalid identifier.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return fmt.Sprintf("%c%0*d", id.Prefix, id.Width, id.Number)
}

// Decrement returns the identifier directly below this one, keeping the prefix.
func (id ID) Decrement() (ID, error) {
	if id.Number == 0 {
		return id, fmt.Errorf("%w: cannot decrement %s", ErrExhausted, id)
	}
	id.Number--
	return id, nil
}
