package server

import "context"

type contextKey string

const sessionContextKey contextKey = "operator_session"

// withSession stores the authenticated operator session on the request
// context.
func withSession(ctx context.Context, session *OperatorSession) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// sessionFrom returns the operator session attached by requireSession.
func sessionFrom(ctx context.Context) (*OperatorSession, bool) {
	session, ok := ctx.Value(sessionContextKey).(*OperatorSession)
	return session, ok
}
