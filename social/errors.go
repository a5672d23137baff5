package social

import "errors"

const (
	TextCodeProviderNotFound  = "social_provider_not_found"
	TextCodeInvalidState      = "social_invalid_state"
	TextCodeStateExpired      = "social_state_expired"
	TextCodeMissingParams     = "social_missing_params"
	TextCodeProviderDenied    = "social_provider_denied"
	TextCodeTokenExchangeFail = "social_token_exchange_failed"
	TextCodeUserInfoFail      = "social_user_info_failed"
	TextCodeProvisioningFail  = "social_provisioning_failed"
	TextCodeTokenIssueFail    = "social_token_issue_failed"
	TextCodeUnknown           = "social_auth_failed"
)

// ErrProviderNotFound is returned when a requested provider is not configured.
var ErrProviderNotFound = errors.New("social provider not found")

// ErrInvalidState is returned when the OAuth state is invalid or tampered.
var ErrInvalidState = errors.New("invalid oauth state")

// ErrStateExpired is returned when the OAuth state has expired.
var ErrStateExpired = errors.New("oauth state expired")

// ErrMissingParams is returned when the callback lacks code or state.
var ErrMissingParams = errors.New("missing oauth callback parameters")

// ErrProviderDenied is returned when the provider redirects back with an error.
var ErrProviderDenied = errors.New("provider denied authorization")

// ErrTokenExchangeFailed is returned when a provider token exchange fails.
var ErrTokenExchangeFailed = errors.New("token exchange failed")

// ErrUserInfoFailed is returned when fetching user info fails.
var ErrUserInfoFailed = errors.New("failed to fetch user info")

// ErrProvisioningFailed is returned when the local identity cannot be
// found or created.
var ErrProvisioningFailed = errors.New("failed to provision local identity")

// ErrTokenIssueFailed is returned when tokens cannot be minted or persisted.
var ErrTokenIssueFailed = errors.New("failed to issue tokens")

var textCodes = []struct {
	err  error
	code string
}{
	{ErrProviderNotFound, TextCodeProviderNotFound},
	{ErrStateExpired, TextCodeStateExpired},
	{ErrInvalidState, TextCodeInvalidState},
	{ErrMissingParams, TextCodeMissingParams},
	{ErrProviderDenied, TextCodeProviderDenied},
	{ErrTokenExchangeFailed, TextCodeTokenExchangeFail},
	{ErrUserInfoFailed, TextCodeUserInfoFail},
	{ErrProvisioningFailed, TextCodeProvisioningFail},
	{ErrTokenIssueFailed, TextCodeTokenIssueFail},
}

// TextCode returns the stable code for err, suitable for query strings
func TextCode(err error) string {
	for _, tc := range textCodes {
		if errors.Is(err, tc.err) {
			return tc.code
		}
	}
	return TextCodeUnknown
}
