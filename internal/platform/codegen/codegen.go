// Package codegen allocates human-readable sequential codes such as
// "HD000042". The next number is derived from the highest existing suffix,
// so concurrent writers can pick the same code; the insert runs in a
// savepoint and is retried with the next number on a unique violation.
package codegen

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/clinic/emr/internal/platform/db"
)

// DefaultWidth is the zero-padded width of the numeric suffix.
const DefaultWidth = 6

var ErrExhausted = errors.New("could not allocate a unique code")

// Store exposes the existing codes of one table.
type Store interface {
	MaxCodeSequence(ctx context.Context, prefix string) (int64, error)
	CodeExists(ctx context.Context, code string) (bool, error)
}

type Generator struct {
	Prefix      string
	Width       int
	MaxAttempts int
	Store       Store

	// Savepoint wraps each insert attempt and IsCollision recognises a taken
	// code. New sets them to db.Savepoint and db.IsUniqueViolation.
	Savepoint   func(ctx context.Context, fn func(ctx context.Context) error) error
	IsCollision func(err error) bool
}

func New(store Store, prefix string, maxAttempts int) *Generator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Generator{
		Prefix:      prefix,
		Width:       DefaultWidth,
		MaxAttempts: maxAttempts,
		Store:       store,
		Savepoint:   db.Savepoint,
		IsCollision: db.IsUniqueViolation,
	}
}

// Format renders prefix + zero-padded n.
func Format(prefix string, width int, n int64) string {
	return fmt.Sprintf("%s%0*d", prefix, width, n)
}

// ParseSequence extracts the numeric suffix of code.
func ParseSequence(prefix, code string) (int64, bool) {
	if !strings.HasPrefix(code, prefix) {
		return 0, false
	}
	suffix := code[len(prefix):]
	if suffix == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// SequencePattern is a POSIX regular expression matching prefix followed by
// digits only, for use with the PostgreSQL ~ operator.
func SequencePattern(prefix string) string {
	return "^" + regexp.QuoteMeta(prefix) + "[0-9]+$"
}

// Insert allocates the next free code and calls insert with it. ctx must
// carry a transaction.
func (g *Generator) Insert(ctx context.Context, insert func(ctx context.Context, code string) error) (string, error) {
	max, err := g.Store.MaxCodeSequence(ctx, g.Prefix)
	if err != nil {
		return "", fmt.Errorf("scan %s codes: %w", g.Prefix, err)
	}

	n := max + 1
	for attempt := 0; attempt < g.MaxAttempts; attempt++ {
		code := Format(g.Prefix, g.Width, n)
		n++

		exists, err := g.Store.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("probe code %s: %w", code, err)
		}
		if exists {
			continue
		}

		err = g.Savepoint(ctx, func(ctx context.Context) error {
			return insert(ctx, code)
		})
		if err == nil {
			return code, nil
		}
		if !g.IsCollision(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w with prefix %s after %d attempts", ErrExhausted, g.Prefix, g.MaxAttempts)
}
