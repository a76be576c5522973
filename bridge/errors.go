package bridge

import (
	"errors"
	"fmt"

	"imagegallery/client"
	"imagegallery/registry"
	"imagegallery/session"
)

// Flow errors raised by the authenticator itself. Validation, registry and
// session failures surface as the sentinels of those packages.
var (
	ErrStateMismatch       = errors.New("state mismatch")
	ErrStateExpired        = errors.New("authorization request expired")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrProviderError       = errors.New("provider returned an error")
	ErrMissingCode         = errors.New("authorization code missing")
	ErrNoRefreshToken      = errors.New("no refresh token")
	ErrSubjectChanged      = errors.New("subject changed on refresh")
)

// ProviderError carries the error reported on the callback by the provider.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("provider error: %s", e.Code)
	}
	return fmt.Sprintf("provider error: %s: %s", e.Code, e.Description)
}

func (e *ProviderError) Unwrap() error { return ErrProviderError }

var kinds = []struct {
	err  error
	name string
}{
	{registry.ErrInvalidRedirectURI, "InvalidRedirectUri"},
	{registry.ErrInvalidScope, "InvalidScope"},
	{registry.ErrClientNotFound, "ClientNotFound"},
	{registry.ErrInvalidClient, "InvalidClient"},
	{registry.ErrUnauthorizedGrant, "UnauthorizedGrant"},
	{ErrStateMismatch, "StateMismatch"},
	{ErrStateExpired, "StateExpired"},
	{ErrProviderError, "ProviderError"},
	{ErrMissingCode, "MissingCode"},
	{ErrTokenExchangeFailed, "TokenExchangeFailed"},
	{ErrNoRefreshToken, "NoRefreshToken"},
	{ErrSubjectChanged, "SubjectChanged"},
	{client.ErrSignatureInvalid, "SignatureInvalid"},
	{client.ErrIssuerMismatch, "IssuerMismatch"},
	{client.ErrAudienceMismatch, "AudienceMismatch"},
	{client.ErrTokenExpired, "TokenExpired"},
	{client.ErrTokenNotYetValid, "TokenNotYetValid"},
	{client.ErrNonceMismatch, "NonceMismatch"},
	{client.ErrMissingSubject, "MissingSubject"},
	{session.ErrSessionExpired, "SessionExpired"},
	{session.ErrSessionNotFound, "SessionNotFound"},
}

// Kind names the failure class of err for logs and metrics. It returns ""
// for nil and "Internal" for errors outside the taxonomy.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}
