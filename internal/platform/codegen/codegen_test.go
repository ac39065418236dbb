package codegen

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDuplicate = errors.New("duplicate key")

type memStore struct {
	codes map[string]bool
}

func (m *memStore) MaxCodeSequence(_ context.Context, prefix string) (int64, error) {
	var max int64
	for code := range m.codes {
		if n, ok := ParseSequence(prefix, code); ok && n > max {
			max = n
		}
	}
	return max, nil
}

func (m *memStore) CodeExists(_ context.Context, code string) (bool, error) {
	return m.codes[code], nil
}

func newTestGenerator(store Store, attempts int) *Generator {
	g := New(store, "HD", attempts)
	g.Savepoint = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	g.IsCollision = func(err error) bool { return errors.Is(err, errDuplicate) }
	return g
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "HD000001", Format("HD", 6, 1))
	assert.Equal(t, "PCD000123", Format("PCD", 6, 123))
	assert.Equal(t, "HD1234567", Format("HD", 6, 1234567))
}

func TestParseSequence(t *testing.T) {
	n, ok := ParseSequence("HD", "HD000042")
	require.True(t, ok)
	assert.Equal(t, int64(42), n)

	for _, code := range []string{"PCD000001", "HD", "HDabc", "HD-1"} {
		_, ok := ParseSequence("HD", code)
		assert.False(t, ok, code)
	}
}

func TestSequencePattern(t *testing.T) {
	re := regexp.MustCompile(SequencePattern("HD"))
	assert.True(t, re.MatchString("HD000001"))
	assert.False(t, re.MatchString("HD00A001"))
	assert.False(t, re.MatchString("XHD000001"))

	dotted := regexp.MustCompile(SequencePattern("H.D"))
	assert.False(t, dotted.MatchString("HXD000001"))
}

func TestInsert_FirstCode(t *testing.T) {
	g := newTestGenerator(&memStore{codes: map[string]bool{}}, 3)

	var inserted string
	code, err := g.Insert(context.Background(), func(_ context.Context, code string) error {
		inserted = code
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "HD000001", code)
	assert.Equal(t, code, inserted)
}

func TestInsert_IncrementsHighest(t *testing.T) {
	store := &memStore{codes: map[string]bool{"HD000007": true, "HD000003": true, "PCD000099": true}}
	g := newTestGenerator(store, 3)

	code, err := g.Insert(context.Background(), func(context.Context, string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "HD000008", code)
}

func TestInsert_RetriesOnCollision(t *testing.T) {
	g := newTestGenerator(&memStore{codes: map[string]bool{}}, 3)

	var tried []string
	code, err := g.Insert(context.Background(), func(_ context.Context, code string) error {
		tried = append(tried, code)
		if len(tried) == 1 {
			return errDuplicate
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "HD000002", code)
	assert.Equal(t, []string{"HD000001", "HD000002"}, tried)
}

func TestInsert_SkipsProbedCodes(t *testing.T) {
	store := &probeStore{memStore: memStore{codes: map[string]bool{}}, taken: map[string]bool{"HD000001": true}}
	g := newTestGenerator(store, 3)

	code, err := g.Insert(context.Background(), func(context.Context, string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "HD000002", code)
}

// probeStore reports codes as taken even though the max scan missed them,
// as happens when another transaction commits in between.
type probeStore struct {
	memStore
	taken map[string]bool
}

func (p *probeStore) CodeExists(_ context.Context, code string) (bool, error) {
	return p.taken[code], nil
}

func TestInsert_Exhausted(t *testing.T) {
	g := newTestGenerator(&memStore{codes: map[string]bool{}}, 2)

	_, err := g.Insert(context.Background(), func(context.Context, string) error { return errDuplicate })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestInsert_OtherErrorStops(t *testing.T) {
	g := newTestGenerator(&memStore{codes: map[string]bool{}}, 5)

	calls := 0
	boom := errors.New("foreign key violation")
	_, err := g.Insert(context.Background(), func(context.Context, string) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
