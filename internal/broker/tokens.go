package broker

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenTTL = time.Hour

// ClientClaims are carried by a client access token. Subject is the user.
type ClientClaims struct {
	NameID string `json:"nameid,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs gateway tokens with the shared access key. Client tokens
// are scoped to <endpoint>/client/?hub=<hub>, server tokens to
// <endpoint>/api/v1/hubs/<hub>.
type TokenIssuer struct {
	endpoint string
	hub      string
	key      []byte
	now      func() time.Time
}

func NewTokenIssuer(info ConnectionInfo, hub string) *TokenIssuer {
	return &TokenIssuer{endpoint: info.Endpoint, hub: hub, key: []byte(info.AccessKey), now: time.Now}
}

// ClientURL is the websocket endpoint clients connect to.
func (t *TokenIssuer) ClientURL() string {
	return t.endpoint + "/client/?hub=" + t.hub
}

// ServerAudience is the audience of server REST tokens.
func (t *TokenIssuer) ServerAudience() string {
	return t.endpoint + "/api/v1/hubs/" + t.hub
}

func (t *TokenIssuer) Hub() string { return t.hub }

// ClientToken issues an access token for userID, valid for an hour.
func (t *TokenIssuer) ClientToken(userID string) (string, error) {
	now := t.now()
	claims := &ClientClaims{
		NameID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{t.ClientURL()},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// ServerToken issues a token for the REST publish surface.
func (t *TokenIssuer) ServerToken() (string, error) {
	now := t.now()
	claims := &jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{t.ServerAudience()},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

func (t *TokenIssuer) parse(token string, claims jwt.Claims, audience string) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return errors.Join(ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

// ValidateClientToken checks a client token and returns the user it was
// issued to.
func (t *TokenIssuer) ValidateClientToken(token string) (string, error) {
	claims := &ClientClaims{}
	if err := t.parse(token, claims, t.ClientURL()); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// ValidateServerToken checks a REST surface token.
func (t *TokenIssuer) ValidateServerToken(token string) error {
	return t.parse(token, &jwt.RegisteredClaims{}, t.ServerAudience())
}
