package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestParseCheckTime(t *testing.T) {
	// Wednesday
	now := time.Date(2024, 1, 3, 10, 15, 0, 0, time.UTC)

	tests := []struct {
		name    string
		day     string
		clock   string
		want    time.Time
		wantErr bool
	}{
		{"defaults to now", "", "", time.Date(2024, 1, 3, 10, 15, 0, 0, time.UTC), false},
		{"time only", "", "18:30", time.Date(2024, 1, 3, 18, 30, 0, 0, time.UTC), false},
		{"later this week", "fri", "", time.Date(2024, 1, 5, 10, 15, 0, 0, time.UTC), false},
		{"wraps to next week", "Monday", "07:00", time.Date(2024, 1, 8, 7, 0, 0, 0, time.UTC), false},
		{"same day", "wednesday", "", now, false},
		{"bad day", "funday", "", time.Time{}, true},
		{"bad format", "", "1830", time.Time{}, true},
		{"hour out of range", "", "24:00", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCheckTime(now, tt.day, tt.clock)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidKeys(t *testing.T) {
	keys := validKeys()
	for _, k := range []string{
		"logging.level",
		"storage.redis.password",
		"engine.dry_run",
		"persistence.retention",
		"policy.dir",
		"playtime.cache_size",
		"sessions.excluded_users",
		"admin.rate_limit_window",
		"metrics.port",
	} {
		if !keys[k] {
			t.Errorf("%s missing from valid keys", k)
		}
	}
	if keys["storage.redis"] {
		t.Error("section reported as a leaf key")
	}
}

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
logging:
  level: debug
engine:
  poll_intervall: 5s
admin:
  tokn: abc
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("findUnknownKeys: %v", err)
	}
	want := []string{"admin.tokn", "engine.poll_intervall"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unknown = %v, want %v", got, want)
	}
}

func TestRedact(t *testing.T) {
	if got := redact("hunter2"); got != "***REDACTED***" {
		t.Errorf("redact = %v", got)
	}
	if got := redact(""); got != "" {
		t.Errorf("empty secret redacted to %v", got)
	}
	if !isSecret("admin.token") || !isSecret("storage.redis.password") || isSecret("admin.port") {
		t.Error("isSecret misclassified keys")
	}
}
