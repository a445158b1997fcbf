package reflector

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/tandem.space/internal/platform/errors"
)

// CredentialVerifier verifies join credentials presented by participants.
//
// When the shared secret is empty, verification is disabled and any
// credential (including none) is accepted. That mode exists for local
// development and tests.
type CredentialVerifier struct {
	secret []byte
	now    func() time.Time
}

// credentialClaims is the internal claims type used for JWT parsing.
type credentialClaims struct {
	jwt.RegisteredClaims
	SessionName string `json:"session_name"`
}

// NewCredentialVerifier builds a verifier around a shared HMAC secret.
func NewCredentialVerifier(secret string, now func() time.Time) *CredentialVerifier {
	if now == nil {
		now = time.Now
	}
	var key []byte
	if s := strings.TrimSpace(secret); s != "" {
		key = []byte(s)
	}
	return &CredentialVerifier{secret: key, now: now}
}

// Enabled reports whether credential checks are active.
func (v *CredentialVerifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify checks a credential token against the session being joined and
// returns the authenticated participant identity (the token subject).
func (v *CredentialVerifier) Verify(token, sessionName string) (string, error) {
	if !v.Enabled() {
		return "", nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperrors.New(apperrors.CodeInvalidCredential, "credential token is required")
	}

	var parsed credentialClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", mapJWTError(err)
	}

	if parsed.Subject == "" {
		return "", apperrors.New(apperrors.CodeInvalidCredential, "credential subject is required")
	}
	if parsed.SessionName != "" && parsed.SessionName != sessionName {
		return "", apperrors.WithMetadata(
			apperrors.CodeInvalidCredential,
			"credential session mismatch",
			map[string]string{"Field": "session_name"},
		)
	}
	return parsed.Subject, nil
}

// IssueCredential signs a credential token for a participant, scoped to
// one session name. Used by operators and tests to mint join tokens.
func (v *CredentialVerifier) IssueCredential(participantID, sessionName string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("credential issuing requires a session secret")
	}
	now := v.now().UTC()
	claims := credentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionName: sessionName,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return apperrors.New(apperrors.CodeInvalidCredential, "credential signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenExpired) {
		return apperrors.New(apperrors.CodeInvalidCredential, "credential is expired")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeInvalidCredential, "credential alg is invalid")
	}
	return apperrors.New(apperrors.CodeInvalidCredential, "credential is invalid")
}
