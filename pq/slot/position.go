package slot

import (
	"sync/atomic"

	"github.com/jackc/pglogrepl"
)

// Position is a WAL position that only moves forward, except through Reset.
// The zero value is ready to use.
type Position struct {
	v atomic.Uint64
}

func (p *Position) Load() pglogrepl.LSN {
	return pglogrepl.LSN(p.v.Load())
}

// Advance moves the position to lsn if lsn is ahead and reports whether it moved.
func (p *Position) Advance(lsn pglogrepl.LSN) bool {
	for {
		cur := p.v.Load()
		if uint64(lsn) <= cur {
			return false
		}
		if p.v.CompareAndSwap(cur, uint64(lsn)) {
			return true
		}
	}
}

// Reset sets the position unconditionally, on (re)start from the server value.
func (p *Position) Reset(lsn pglogrepl.LSN) {
	p.v.Store(uint64(lsn))
}
