package state

import (
	"strconv"
	"sync/atomic"
	"time"
)

// IDGenerator produces identifiers of the form <prefix>_<unix millis>_<seq>.
// The sequence number is process-wide and monotonic, so two ids minted in the
// same millisecond never collide.
type IDGenerator struct {
	prefix string
	seq    atomic.Uint64
	now    func() time.Time
}

// NewIDGenerator creates a generator for the given prefix (for example "inv").
func NewIDGenerator(prefix string) *IDGenerator {
	return &IDGenerator{prefix: prefix, now: time.Now}
}

// Next returns a fresh identifier.
func (g *IDGenerator) Next() string {
	seq := g.seq.Add(1)
	buf := make([]byte, 0, len(g.prefix)+32)
	buf = append(buf, g.prefix...)
	buf = append(buf, '_')
	buf = strconv.AppendInt(buf, g.now().UnixMilli(), 10)
	buf = append(buf, '_')
	buf = strconv.AppendUint(buf, seq, 10)
	return string(buf)
}
