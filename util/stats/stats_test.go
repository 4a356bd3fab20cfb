package stats

import (
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestRecord(t *testing.T) {
	assert := assert.New(t)
	var op Op
	start := time.Now().Add(-2 * time.Millisecond)
	op.Record(start)
	op.Record(start)
	assert.Equal(uint32(2), op.Count())
	assert.True(op.Duration() >= 4*time.Millisecond)
	assert.True(op.MicrosPerOp() >= 2000)
}

func TestFormatTable(t *testing.T) {
	assert := assert.New(t)
	color.NoColor = true
	ops := make([]Op, 2)
	ops[0].Record(time.Now())
	s := FormatTable([]string{"scan", "replay"}, ops)
	assert.Contains(s, "scan")
	assert.Contains(s, "replay")
	assert.Contains(s, "total")
	assert.Panics(func() { FormatTable([]string{"a"}, ops) })
}

func TestReset(t *testing.T) {
	var op Op
	op.Record(time.Now())
	op.Reset()
	assert.Equal(t, uint32(0), op.Count())
	assert.Equal(t, time.Duration(0), op.Duration())
}
