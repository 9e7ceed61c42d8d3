package api

import (
	"errors"
	"strings"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// bearerToken extracts the token of a "Bearer <jwt>" header value.
func bearerToken(raw string) (string, error) {
	trimmed := strings.Trim(raw, " ")
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	token, found := strings.CutPrefix(trimmed, bearerPrefix)
	if !found || !looksLikeJWT(token) {
		return "", errBadAuthorization
	}
	return token, nil
}

// looksLikeJWT reports whether token has the three dot-separated segments of a
// compact JWS, without allocating.
func looksLikeJWT(token string) bool {
	return token != "" && strings.Count(token, ".") == 2
}
