package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"iptv-sync/work/config"
)

func TestObfuscateURL(t *testing.T) {
	assert.Equal(t, "", ObfuscateURL(""))
	assert.Equal(t, "http://host.example", ObfuscateURL("http://host.example"))
	assert.Equal(t, "http://host.example/***", ObfuscateURL("http://host.example/live/secret/stream.m3u8"))
	assert.Equal(t, "http://host.example/***?***", ObfuscateURL("http://host.example/live/stream.m3u8?token=abc"))
}

func TestLogURLRespectsConfig(t *testing.T) {
	raw := "http://host.example/live/stream.m3u8?token=abc"

	assert.Equal(t, raw, LogURL(&config.Config{}, raw))
	assert.Equal(t, "http://host.example/***?***", LogURL(&config.Config{ObfuscateUrls: true}, raw))
}

func TestCleanSubtitleText(t *testing.T) {
	assert.Equal(t, "hello world", CleanSubtitleText("  hello   world \n"))
	assert.Equal(t, "one two three", CleanSubtitleText("one\ntwo\t three"))
	assert.Equal(t, "", CleanSubtitleText("   \n\t "))
}

func TestFormatSRTTime(t *testing.T) {
	assert.Equal(t, "00:00:00,000", FormatSRTTime(0))
	assert.Equal(t, "00:00:01,500", FormatSRTTime(1.5))
	assert.Equal(t, "01:01:01,250", FormatSRTTime(3661.25))
	assert.Equal(t, "00:00:00,000", FormatSRTTime(-5))
}

func TestClampInt(t *testing.T) {
	assert.Equal(t, 2500, ClampInt(700, 2500, 8000))
	assert.Equal(t, 8000, ClampInt(14000, 2500, 8000))
	assert.Equal(t, 3500, ClampInt(3500, 2500, 8000))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "1.5 MB", FormatBytes(1536*1024))
}
