package utils

import (
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

func NewTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	return t
}

// Mask hides everything but the ends of a secret.
func Mask(secret string) string {
	if len(secret) <= 12 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:6] + "..." + secret[len(secret)-4:]
}
