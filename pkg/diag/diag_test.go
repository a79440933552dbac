package diag

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCurrent_DefaultsToNop(t *testing.T) {
	t.Cleanup(func() { Set(nil) })

	assert.Equal(t, Nop, Current())

	rec := &Recorder{}
	Set(rec)
	Current().Warningf("method %s skipped", "Demo.A::f")
	assert.Equal(t, []string{"method Demo.A::f skipped"}, rec.Messages(LevelWarning))

	Set(nil)
	assert.Equal(t, Nop, Current())
}

func TestRecorder_Levels(t *testing.T) {
	rec := &Recorder{}
	rec.Debugf("d")
	rec.Infof("i %d", 1)
	rec.Warningf("w")
	rec.Errorf("e")

	assert.Equal(t, []Entry{
		{LevelDebug, "d"},
		{LevelInfo, "i 1"},
		{LevelWarning, "w"},
		{LevelError, "e"},
	}, rec.Entries())
	assert.Empty(t, rec.Messages(Level(9)))
}

func TestZerologSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewZerolog(zerolog.New(&buf).Level(zerolog.InfoLevel))

	sink.Debugf("hidden")
	sink.Warningf("skipping %s", "Demo.A::f")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"message":"skipping Demo.A::f"`)
}
