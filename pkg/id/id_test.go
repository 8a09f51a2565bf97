package id

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorPrefixAndOrder(t *testing.T) {
	g := NewGenerator("ord")

	a := g.New()
	b := g.New()
	assert.True(t, strings.HasPrefix(a, "ord-"))
	assert.Less(t, a, b, "ids from one generator must sort by creation")
}

func TestGeneratorUnique(t *testing.T) {
	g := NewGenerator("")
	seen := make(map[string]struct{})
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				id := g.New()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 4000)
}

func TestTime(t *testing.T) {
	g := NewGenerator("ord")
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }

	got, ok := Time(g.New())
	require.True(t, ok)
	assert.True(t, fixed.Equal(got.UTC()))

	_, ok = Time("ord-not-a-ulid")
	assert.False(t, ok)
}
