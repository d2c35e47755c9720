package templatefmt

import (
	"strings"
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  time.Duration
	}{
		{value: "15m", want: 15 * time.Minute},
		{value: "6h", want: 6 * time.Hour},
		{value: "1d", want: 24 * time.Hour},
		{value: " 30s ", want: 30 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.value)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.value, err)
		}
		if got != tt.want {
			t.Fatalf("parse %q: expected %s, got %s", tt.value, tt.want, got)
		}
	}
}

func TestParseDurationRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, value := range []string{"", "m", "15", "15x", "-5m", "0h", "1.5h"} {
		if _, err := ParseDuration(value); err == nil {
			t.Fatalf("expected error for %q", value)
		}
	}
}

func TestParseNotificationTemplateHelpers(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseNotificationTemplate("test", `{{ upper .State }} gap={{ fmtMillis .Gap }}`)
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, map[string]any{"State": "firing", "Gap": int64(3000001)}); err != nil {
		t.Fatalf("execute template: %v", err)
	}
	if out.String() != "FIRING gap=50.0m" {
		t.Fatalf("unexpected render %q", out.String())
	}
}
