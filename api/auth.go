package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

const defaultKeyCacheTTL = 15 * time.Minute

// Authenticator resolves the calling user of a request.
type Authenticator interface {
	UserIDFromRequest(r *http.Request) (string, error)
}

// AuthOptions configures token validation. A non-empty SharedSecret selects
// HS256 local mode; otherwise tokens are RS256 and verified against JWKS.
type AuthOptions struct {
	JWKS         *keyfunc.JWKS
	Audience     string
	Issuer       string
	SharedSecret []byte
	KeyCacheTTL  time.Duration
}

// Auth validates incoming JWT tokens.
type Auth struct {
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
	secret   []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance.
func NewAuth(opts AuthOptions) *Auth {
	a := &Auth{
		jwks:        opts.JWKS,
		audience:    opts.Audience,
		issuer:      opts.Issuer,
		secret:      opts.SharedSecret,
		keyCacheTTL: opts.KeyCacheTTL,
	}
	if a.keyCacheTTL == 0 {
		a.keyCacheTTL = defaultKeyCacheTTL
	}
	if a.localMode() {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

// LoadJWKS fetches the key set at url and refreshes it in the background.
func LoadJWKS(url string, refresh time.Duration, logger *log.Logger) (*keyfunc.JWKS, error) {
	return keyfunc.Get(url, keyfunc.Options{
		RefreshInterval:   refresh,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.WithError(err).Warn("jwks refresh failed")
		},
	})
}

func (a *Auth) localMode() bool { return len(a.secret) > 0 }

// UserIDFromRequest authenticates the Authorization header, falling back to a
// token query parameter for clients that cannot set headers (EventSource).
func (a *Auth) UserIDFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return a.UserIDFromAuthHeader(h)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return a.UserIDFromToken(token)
	}
	return "", errMissingAuthorization
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromToken(token)
}

// UserIDFromToken validates a raw JWT and returns its subject.
func (a *Auth) UserIDFromToken(token string) (string, error) {
	if !looksLikeJWT(token) {
		return "", errBadAuthorization
	}
	parsed, err := a.parser.Parse(token, func(t *jwt.Token) (any, error) {
		if a.localMode() {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.secret, nil
		}
		return a.keyForToken(t)
	})
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return "", errors.New("token used before issued")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, false) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
