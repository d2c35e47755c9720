package templatefmt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

var durationUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseDuration parses alert interval strings such as "15m", "6h", or "1d".
// Params: positive integer followed by one unit among s/m/h/d.
// Returns: parsed duration or format error.
func ParseDuration(value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) < 2 {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	unit, ok := durationUnits[trimmed[len(trimmed)-1]]
	if !ok {
		return 0, fmt.Errorf("invalid duration %q: unit must be one of s, m, h, d", value)
	}
	amount, err := strconv.ParseInt(trimmed[:len(trimmed)-1], 10, 64)
	if err != nil || amount <= 0 {
		return 0, fmt.Errorf("invalid duration %q: amount must be a positive integer", value)
	}
	return time.Duration(amount) * unit, nil
}

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"fmtMillis":   FormatMillis,
		"json":        MarshalJSON,
		"upper":       strings.ToUpper,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: template value expected as time.Duration or *time.Duration.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed == nil {
			return "0.0s"
		}
		duration = *typed
	default:
		return "0.0s"
	}

	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// FormatMillis renders a gap length given in milliseconds, as stored in instance state.
// Params: integer milliseconds.
// Returns: formatted duration string.
func FormatMillis(ms int64) string {
	return FormatDuration(time.Duration(ms) * time.Millisecond)
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
