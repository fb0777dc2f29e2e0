package auth

import "context"

type (
	claimsKey struct{}
	callerKey struct{}
)

// WithClaims stores claims on the context and fills any caller slot opened by TrackCaller.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	if slot, ok := ctx.Value(callerKey{}).(*string); ok && claims != nil {
		*slot = claims.Subject
	}
	return context.WithValue(ctx, claimsKey{}, claims)
}

// FromContext retrieves claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}

// TrackCaller opens a caller slot on ctx for middleware that runs outside authentication.
// The returned func reports the authenticated subject, or "-" when the request had none.
func TrackCaller(ctx context.Context) (context.Context, func() string) {
	slot := new(string)
	return context.WithValue(ctx, callerKey{}, slot), func() string {
		if *slot == "" {
			return "-"
		}
		return *slot
	}
}
