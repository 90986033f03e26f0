package utils

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/grafana/regexp"

	"iptv-sync/work/config"
)

var multiSpace = regexp.MustCompile(`\s+`)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, url string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL hides the path, query and fragment of a stream URL while keeping
// enough of it (scheme and host) to stay useful in logs.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		// If parsing fails, just obfuscate the whole thing
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// CleanSubtitleText collapses whitespace runs and trims the text of a subtitle
// entry before display or export. Speech-to-text output tends to carry stray
// newlines and double spaces.
func CleanSubtitleText(text string) string {
	return strings.TrimSpace(multiSpace.ReplaceAllString(text, " "))
}

// FormatSRTTime renders a media timestamp in seconds as an SRT timecode
// (HH:MM:SS,mmm).
func FormatSRTTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := int(seconds) / 3600
	minutes := (int(seconds) % 3600) / 60
	secs := int(seconds) % 60
	millis := int((seconds - float64(int(seconds))) * 1000)

	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, secs, millis)
}

// FormatBytes renders a byte count in human-readable form (KB, MB, ...).
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ClampInt bounds v to [min, max].
func ClampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
