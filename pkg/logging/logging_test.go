package logging

import (
	"testing"

	oplogging "github.com/op/go-logging"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want oplogging.Level
		ok   bool
	}{
		{"DEBUG", oplogging.DEBUG, true},
		{"warning", oplogging.WARNING, true},
		{" notice ", oplogging.NOTICE, true},
		{"verbose", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseLevel(%q) error = %v", tt.in, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSetupLogging(t *testing.T) {
	if l := SetupLogging("helmet-node", "warning", false); l == nil {
		t.Fatal("nil logger")
	}
	if got := oplogging.GetLevel("nav"); got != oplogging.WARNING {
		t.Errorf("nav level = %s, want WARNING", got)
	}
	if Logger("nav").IsEnabledFor(oplogging.INFO) {
		t.Error("INFO enabled at WARNING")
	}

	SetupLogging("helmet-node", "chatty", false)
	if got := oplogging.GetLevel("helmet"); got != oplogging.INFO {
		t.Errorf("fallback level = %s, want INFO", got)
	}
}
