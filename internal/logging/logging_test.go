package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterAddsServiceField(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "debug", "ledger-api")
	log.Debug().Str("sku", "X").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ledger-api", line["service"])
	assert.Equal(t, "X", line["sku"])
	assert.Equal(t, "debug", line["level"])
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "chatty", "svc")
	log.Debug().Msg("dropped")
	assert.Zero(t, buf.Len())
	log.Info().Msg("kept")
	assert.NotZero(t, buf.Len())
}
