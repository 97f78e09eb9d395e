package notify

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestUserPath(t *testing.T) {
	tests := map[string]string{
		"alice":    "/com/ktime/user/alice",
		"john.doe": "/com/ktime/user/john_2edoe",
		"a_b":      "/com/ktime/user/a_5fb",
	}
	for user, want := range tests {
		got := UserPath(user)
		if string(got) != want {
			t.Errorf("UserPath(%q) = %q, want %q", user, got, want)
		}
		if !got.IsValid() {
			t.Errorf("UserPath(%q) is not a valid object path", user)
		}
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &Recorder{}
	bad := &Recorder{}
	bad.SetError(errors.New("bus gone"))

	m := Multi{bad, ok}
	err := m.Publish(context.Background(), "alice", Event{Kind: TimeLeft, Remaining: time.Minute})
	if err == nil || !strings.Contains(err.Error(), "bus gone") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if got := ok.Kinds("alice"); !slices.Equal(got, []Kind{TimeLeft}) {
		t.Errorf("second publisher skipped after failure: %v", got)
	}
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(zerolog.New(&buf))
	if err := l.Publish(context.Background(), "alice", Event{Kind: TimeLeftCritical, Level: "final", Message: "1 minute left"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"kind":"TimeLeftCritical"`, `"user":"alice"`, `"level":"final"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %s missing %s", out, want)
		}
	}
}

func TestKindString(t *testing.T) {
	if TimeUnlimited.String() != "TimeUnlimited" || ConfigurationChanged.String() != "ConfigurationChanged" {
		t.Errorf("unexpected kind names")
	}
}
