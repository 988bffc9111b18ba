package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zerolog.Disabled, parseLevel("disabled"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
}

func TestInitWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	l := Component("scheduler")
	l.Info().Str("job", "air_quality_extraction").Msg("tick")
	Debug().Msg("hidden")

	out := buf.String()
	assert.Contains(t, out, `"component":"scheduler"`)
	assert.Contains(t, out, `"message":"tick"`)
	assert.NotContains(t, out, "hidden")
}
