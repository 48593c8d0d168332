package slot

import (
	"sync"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPosition_Monotonic(t *testing.T) {
	t.Parallel()

	var p Position
	assert.Equal(t, pglogrepl.LSN(0), p.Load())

	assert.True(t, p.Advance(100))
	assert.False(t, p.Advance(50))
	assert.False(t, p.Advance(100))
	assert.Equal(t, pglogrepl.LSN(100), p.Load())

	p.Reset(10)
	assert.Equal(t, pglogrepl.LSN(10), p.Load())
}

func TestPosition_ConcurrentAdvanceKeepsMaximum(t *testing.T) {
	t.Parallel()

	var (
		p  Position
		wg sync.WaitGroup
	)
	for i := 1; i <= 64; i++ {
		wg.Add(1)
		go func(lsn pglogrepl.LSN) {
			defer wg.Done()
			p.Advance(lsn)
		}(pglogrepl.LSN(i))
	}
	wg.Wait()
	assert.Equal(t, pglogrepl.LSN(64), p.Load())
}

func TestSpec_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Spec{Name: "outbox_slot", Plugin: PluginPgOutput}.Validate())
	require.ErrorContains(t, Spec{Name: "outbox_slot", Plugin: "wal2json"}.Validate(), "unsupported plugin")
	require.ErrorContains(t, Spec{Name: "Outbox Slot", Plugin: PluginPgOutput}.Validate(), "invalid identifier")
}

func TestConformity(t *testing.T) {
	t.Parallel()

	s := Spec{Name: "outbox_slot", Plugin: PluginPgOutput}

	assert.Empty(t, conformity(s, row{plugin: "pgoutput", slotType: "logical", sameDB: true}))
	assert.Len(t, conformity(s, row{plugin: "wal2json", slotType: "logical", sameDB: true}), 1)
	assert.Len(t, conformity(s, row{slotType: "physical", sameDB: false}), 3)
}
