package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"720h", 720 * time.Hour, false},
		{"45s", 45 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"30d", 30 * day, false},
		{"1d12h", 36 * time.Hour, false},
		{"2w", 2 * week, false},
		{"1w2d", 9 * day, false},
		{"1w2d3h4m5s", 9*day + 3*time.Hour + 4*time.Minute + 5*time.Second, false},
		{" 7d ", 7 * day, false},
		{"-1d", -day, false},
		{"0d", 0, false},
		{"0", 0, false},
		{"", 0, true},
		{"-", 0, true},
		{"forever", 0, true},
		{"1.5d", 0, true},
		{"3d2x", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ParseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration())
		})
	}
}

func TestDuration_String(t *testing.T) {
	tests := map[Duration]string{
		0:                            "0s",
		Duration(90 * time.Second):   "1m30s",
		Duration(30 * day):           "4w2d",
		Duration(day):                "1d",
		Duration(36 * time.Hour):     "1d12h0m0s",
		Duration(-2 * week):          "-2w",
		Duration(12 * time.Hour):     "12h0m0s",
	}
	for d, want := range tests {
		assert.Equal(t, want, d.String())
		back, err := ParseDuration(want)
		require.NoError(t, err, want)
		assert.Equal(t, d, back, want)
	}
}

func TestDuration_JSON(t *testing.T) {
	var cfg struct {
		Retention Duration `json:"retention"`
		MaxAge    Duration `json:"max_age"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"retention":"30d","max_age":3600000000000}`), &cfg))
	assert.Equal(t, 30*day, cfg.Retention.Duration())
	assert.Equal(t, time.Hour, cfg.MaxAge.Duration())

	out, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"retention":"4w2d","max_age":"1h0m0s"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"retention":true}`), &cfg))
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("2w")))
	assert.Equal(t, 2*week, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
