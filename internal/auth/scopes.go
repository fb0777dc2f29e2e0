package auth

// Known scopes.
const (
	ScopeHealthWrite = "health:write"
	ScopeHealthRead  = "health:read"
)

// AllScopes lists every scope; API key holders receive all of them.
var AllScopes = []string{ScopeHealthWrite, ScopeHealthRead}
