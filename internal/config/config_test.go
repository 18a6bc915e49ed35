package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg, err := fromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Tracking.WindowSize)
	assert.Equal(t, 5.0, cfg.Tracking.MovementThresholdPx)
	assert.Equal(t, 0.4, cfg.Tracking.ConfidenceThreshold)
	assert.Equal(t, 10*time.Second, cfg.Tracking.ExpiryGrace)
	assert.Equal(t, 20, cfg.OCR.MaxAttempts)
	assert.Equal(t, "http", cfg.OCR.Engine)
	assert.Equal(t, []string{"eng"}, cfg.OCR.Languages)
	assert.Zero(t, cfg.Color.Params.TwoToneGap)
	assert.Equal(t, "hsv", cfg.Color.Strategy)
	assert.Equal(t, DefaultThresholds(), cfg.Notification.Thresholds)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr())
	assert.Empty(t, cfg.Region)
}

func TestThresholdsSortedDescending(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("notification.thresholds", []map[string]interface{}{
		{"count": 1, "elapsed": "3h"},
		{"count": 20, "elapsed": "30m"},
		{"count": 5, "elapsed": "2h"},
	})

	cfg, err := fromViper(v)
	require.NoError(t, err)
	require.Len(t, cfg.Notification.Thresholds, 3)
	assert.Equal(t, 20, cfg.Notification.Thresholds[0].Count)
	assert.Equal(t, 30*time.Minute, cfg.Notification.Thresholds[0].Elapsed)
	assert.Equal(t, 1, cfg.Notification.Thresholds[2].Count)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
	}{
		{"window", "tracking.window_size", 0},
		{"ocr attempts", "ocr.max_attempts", -1},
		{"color strategy", "color.strategy", "neural"},
		{"ocr engine", "ocr.engine", "cloud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			setDefaults(v)
			v.Set(tt.key, tt.val)
			_, err := fromViper(v)
			assert.Error(t, err)
		})
	}
}

func TestColorParamsOverlay(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("ocr.engine", "tesseract")
	v.Set("color.params", map[string]interface{}{
		"two_tone_gap":              0.45,
		"night_max_mean_brightness": 70,
		"night_penalties":           map[string]interface{}{"white": 0.5},
	})

	cfg, err := fromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "tesseract", cfg.OCR.Engine)
	assert.InDelta(t, 0.45, cfg.Color.Params.TwoToneGap, 1e-9)
	assert.InDelta(t, 70, cfg.Color.Params.NightMaxMeanBrightness, 1e-9)
	assert.Equal(t, map[string]float64{"white": 0.5}, cfg.Color.Params.NightPenalties)
	assert.Zero(t, cfg.Color.Params.ResizeTo)
}
