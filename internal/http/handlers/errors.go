package handlers

// Error codes carried in ErrorResponse.Code. Clients branch on these, not on
// messages.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Relay:
	ErrCodeChannelMismatch = "channel_mismatch"
	ErrCodeNoActiveSetting = "no_active_setting"
	ErrCodeProviderError   = "provider_error"

	// Webhook verification handshake:
	ErrCodeVerifyFailed = "verification_failed"
)
