package sessions

import (
	"encoding/binary"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// idLength is the number of characters after the optional hint prefix.
const idLength = 20

// IDGenerator produces session ids. Ids must be unique and hard to guess.
type IDGenerator interface {
	NewID(hint string) string
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func(hint string) string

func (f IDGeneratorFunc) NewID(hint string) string { return f(hint) }

// DefaultIDGenerator combines a process-wide counter, which makes ids unique
// within the process, with random base-36 characters drawn from UUIDv4s.
var DefaultIDGenerator IDGenerator = counterIDGenerator{}

var idCounter atomic.Uint64

type counterIDGenerator struct{}

func (counterIDGenerator) NewID(hint string) string {
	var b strings.Builder
	if hint != "" {
		b.WriteString(hint)
		b.WriteByte('_')
	}
	start := b.Len()
	b.WriteString(strconv.FormatUint(idCounter.Add(1), 36))
	for b.Len()-start < idLength {
		u := uuid.New()
		b.WriteString(strconv.FormatUint(binary.BigEndian.Uint64(u[:8]), 36))
		b.WriteString(strconv.FormatUint(binary.BigEndian.Uint64(u[8:]), 36))
	}
	return b.String()[:start+idLength]
}
