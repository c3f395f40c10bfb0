// Package id provides centralized ID generation for the engine.
//
// All identifiers are ULIDs with a type-specific prefix (blk_*, ctx_*,
// req_*). ULIDs are lexicographically sortable, so block and context IDs
// order by creation time without a separate timestamp column.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// BlockID identifies a single command block.
type BlockID string

// ContextID identifies an execution context (one pane/session).
type ContextID string

// RequestID identifies an API request.
type RequestID string

const (
	BlockPrefix   = "blk"
	ContextPrefix = "ctx"
	RequestPrefix = "req"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewBlockID generates a new block ID.
func NewBlockID() BlockID {
	return BlockID(Default().GenerateWithPrefix(BlockPrefix))
}

// NewContextID generates a new execution context ID.
func NewContextID() ContextID {
	return ContextID(Default().GenerateWithPrefix(ContextPrefix))
}

// NewRequestID generates a new request ID.
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

func (id BlockID) String() string   { return string(id) }
func (id ContextID) String() string { return string(id) }
func (id RequestID) String() string { return string(id) }

// IsValid checks whether an ID string is a prefixed ULID.
func IsValid(s string) bool {
	_, err := parseULID(s)
	return err == nil
}

// Timestamp extracts the creation time embedded in a prefixed ULID.
func Timestamp(s string) (time.Time, error) {
	parsed, err := parseULID(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

func parseULID(s string) (ulid.ULID, error) {
	if i := strings.IndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}
	return ulid.Parse(s)
}
