package sessiontoken

import (
	"bytes"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/tandem.space/internal/reflector"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-secret", "s", "-participant", "p1", "-session", "arena"})
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.TTL != 24*time.Hour {
		t.Fatalf("TTL = %s, want 24h", cfg.TTL)
	}
	if cfg.Secret != "s" || cfg.ParticipantID != "p1" || cfg.SessionName != "arena" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestRunMintsVerifiableToken(t *testing.T) {
	var out bytes.Buffer
	cfg := Config{Secret: "secret", ParticipantID: "p1", SessionName: "arena", TTL: time.Hour}
	if err := Run(cfg, &out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	token := strings.TrimSpace(out.String())
	if token == "" {
		t.Fatal("no token written")
	}

	verifier := reflector.NewCredentialVerifier("secret", nil)
	pid, err := verifier.Verify(token, "arena")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if pid != "p1" {
		t.Fatalf("participant = %q, want p1", pid)
	}
}

func TestRunRequiresInputs(t *testing.T) {
	var out bytes.Buffer
	if err := Run(Config{ParticipantID: "p1"}, &out); err == nil {
		t.Fatal("Run(no secret) error = nil, want error")
	}
	if err := Run(Config{Secret: "s"}, &out); err == nil {
		t.Fatal("Run(no participant) error = nil, want error")
	}
}
