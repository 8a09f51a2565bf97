// Package id generates time-sortable identifiers for orders and records.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator hands out monotonic ULIDs, optionally prefixed ("ord-01H...").
// ULIDs sort by creation time, which keeps journal rows and order maps
// ordered without a separate sequence.
type Generator struct {
	mu     sync.Mutex
	prefix string
	now    func() time.Time
	mono   io.Reader
}

// NewGenerator seeds a PRNG from crypto/rand so ids are unpredictable.
func NewGenerator(prefix string) *Generator {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		prefix: prefix,
		now:    time.Now,
		mono:   ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
	}
}

// New returns the next id.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(g.now().UTC()), g.mono)
	if err != nil {
		// Only fails when the clock goes backwards past the monotonic window
		// or entropy is exhausted.
		panic(err)
	}
	if g.prefix == "" {
		return id.String()
	}
	return g.prefix + "-" + id.String()
}

// Time extracts the creation time embedded in an id made by any Generator.
func Time(s string) (time.Time, bool) {
	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		s = s[i+1:]
	}
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()), true
}
