package erroranalyzer

// Public-facing messages rendered to end users in place of raw error text.
// Callers may override these at process startup to customize UX copy.
var (
	PublicErrorTimeout  = "The request timed out. Please retry."
	PublicErrorInternal = "The request failed. Please retry."

	PublicErrorProviderRateLimited    = "The AI provider is rate-limiting requests. Please wait a moment and retry."
	PublicErrorProviderUnavailable    = "The AI provider is temporarily unavailable. Please retry."
	PublicErrorProviderInvalidRequest = "The AI provider rejected the request."
	PublicErrorProviderAuth           = "The AI provider authentication failed."
	PublicErrorProviderDefault        = "The AI provider returned an error. Please retry."
)

// publicMessage maps a classified ErrorType to the text shown to end users,
// keeping raw provider/tool error strings out of the UI.
func publicMessage(typ ErrorType) string {
	switch typ {
	case ErrorTypeTimeout:
		return PublicErrorTimeout
	case ErrorTypeRateLimit:
		return PublicErrorProviderRateLimited
	case ErrorTypeNetwork:
		return PublicErrorProviderUnavailable
	case ErrorTypeValidation:
		return PublicErrorProviderInvalidRequest
	case ErrorTypePermission:
		return PublicErrorProviderAuth
	case ErrorTypeInternal:
		return PublicErrorInternal
	default:
		return PublicErrorProviderDefault
	}
}
