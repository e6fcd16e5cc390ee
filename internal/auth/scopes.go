package auth

// Known OAuth scopes used by the scheduling ledger.
const (
	ScopeEnrollmentsWrite = "enrollments:write"
	ScopeCompletionsWrite = "completions:write"
	ScopeProgressRead     = "progress:read"
)
