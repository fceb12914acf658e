package httpapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	audienceMedia         = "media"
	audienceTranscription = "transcription"

	defaultStreamTokenTTL = 5 * time.Minute
)

var errInvalidStreamToken = errors.New("invalid stream token")

// StreamClaims binds a websocket URL handed to call automation to one call.
// The subject is the call id.
type StreamClaims struct {
	jwt.RegisteredClaims
	CallerID string `json:"caller_id,omitempty"`
}

type streamTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newStreamTokens(secret string, ttl time.Duration) streamTokens {
	if ttl <= 0 {
		ttl = defaultStreamTokenTTL
	}
	return streamTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// sign creates a token for callID usable on the socket named by audience.
func (t streamTokens) sign(callID, callerID, audience string) (string, error) {
	now := t.now()
	claims := StreamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   callID,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		CallerID: callerID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// verify checks signature, expiry and audience and returns the claims.
func (t streamTokens) verify(tokenString, audience string) (*StreamClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing", errInvalidStreamToken)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	token, err := parser.ParseWithClaims(tokenString, &StreamClaims{}, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidStreamToken, err)
	}

	claims, ok := token.Claims.(*StreamClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: bad claims", errInvalidStreamToken)
	}
	return claims, nil
}
