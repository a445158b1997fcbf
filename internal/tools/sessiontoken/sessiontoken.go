// Package sessiontoken mints join credentials for session participants.
package sessiontoken

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/louisbranch/tandem.space/internal/reflector"
)

// Config holds configuration for credential minting.
type Config struct {
	Secret        string
	ParticipantID string
	SessionName   string
	TTL           time.Duration
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{TTL: 24 * time.Hour}
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "shared session secret (defaults to TANDEM_SESSION_SECRET)")
	fs.StringVar(&cfg.ParticipantID, "participant", cfg.ParticipantID, "participant identity to embed in the token")
	fs.StringVar(&cfg.SessionName, "session", cfg.SessionName, "session the token is scoped to (empty allows any)")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run mints the credential and writes it to out.
func Run(cfg Config, out io.Writer) error {
	if cfg.Secret == "" {
		return errors.New("secret is required")
	}
	if cfg.ParticipantID == "" {
		return errors.New("participant is required")
	}
	if out == nil {
		return errors.New("output is required")
	}

	verifier := reflector.NewCredentialVerifier(cfg.Secret, nil)
	token, err := verifier.IssueCredential(cfg.ParticipantID, cfg.SessionName, cfg.TTL)
	if err != nil {
		return fmt.Errorf("issue credential: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
