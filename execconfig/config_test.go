package execconfig

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestDefaultTimeoutCategories(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Operation)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Quick)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Shutdown)
}

func TestValidateRejectsBadReturnOrder(t *testing.T) {
	cfg := Default()
	cfg.Processor.ReturnOrder = "chaotic"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	cfg := Default()
	cfg.Processor.MaxConcurrency = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadRetryMultiplier(t *testing.T) {
	cfg := Default()
	cfg.Retry.Multiplier = 0.5
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadPerToolRateLimit(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.PerToolLimits = map[string]ToolRateLimit{
		"web": {Limit: 0, Window: time.Second},
	}
	assert.Error(t, cfg.Validate())
}

func TestConfigRoundTripsThroughJSON(t *testing.T) {
	cfg := Default()
	cfg.Bulkhead.PatternLimits = []PatternLimit{{Pattern: "db.*", Limit: 4}}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	var decoded Config
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, cfg.Bulkhead.PatternLimits, decoded.Bulkhead.PatternLimits)
	assert.Equal(t, cfg.Processor.ReturnOrder, decoded.Processor.ReturnOrder)
}
