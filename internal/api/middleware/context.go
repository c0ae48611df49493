package middleware

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	clientIDKey contextKey = "client_id"
	scopeKey    contextKey = "scope"
)

var ErrNoAuthContext = errors.New("no authenticated context")

// GetUserID returns the authenticated user id, if the request carried a
// user-bound token.
func GetUserID(ctx context.Context) (uuid.UUID, error) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, ErrNoAuthContext
	}
	return id, nil
}

// GetClientID returns the client the presented token was issued to.
func GetClientID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(clientIDKey).(string)
	if !ok {
		return "", ErrNoAuthContext
	}
	return id, nil
}

// GetScope returns the space-delimited scope of the presented token.
func GetScope(ctx context.Context) (string, error) {
	scope, ok := ctx.Value(scopeKey).(string)
	if !ok {
		return "", ErrNoAuthContext
	}
	return scope, nil
}

func withAuthContext(ctx context.Context, userID uuid.NullUUID, clientID, scope string) context.Context {
	if userID.Valid {
		ctx = context.WithValue(ctx, userIDKey, userID.UUID)
	}
	ctx = context.WithValue(ctx, clientIDKey, clientID)
	return context.WithValue(ctx, scopeKey, scope)
}
