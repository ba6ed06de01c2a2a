package server

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// boardTokenTTL keeps board tokens short-lived; clients refresh ahead
// of expiry over the tokens endpoint.
const boardTokenTTL = 15 * time.Minute

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongBoard   = errors.New("token is scoped to a different board")
)

// BoardClaims scope a token to one user on one board. Share carries the
// share-link token the client presented, so read-only links stay
// distinguishable downstream.
type BoardClaims struct {
	Board string `json:"doc"`
	Share string `json:"share,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies the HS256 tokens used by the board
// endpoints.
type TokenIssuer struct {
	secret []byte
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// IssueBoardToken exchanges an authenticated user for a short-lived
// board-scoped token.
func (t *TokenIssuer) IssueBoardToken(userID, boardID, shareToken string) (string, time.Time, error) {
	expiresAt := time.Now().Add(boardTokenTTL)
	claims := BoardClaims{
		Board: boardID,
		Share: shareToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// VerifyBoardToken checks the signature, expiry and board scope.
func (t *TokenIssuer) VerifyBoardToken(token, boardID string) (*BoardClaims, error) {
	claims := &BoardClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Board != boardID {
		return nil, ErrWrongBoard
	}

	return claims, nil
}

// VerifySession validates a long-lived session token and returns the
// user it belongs to.
func (t *TokenIssuer) VerifySession(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}

func (t *TokenIssuer) keyFunc(token *jwt.Token) (interface{}, error) {
	return t.secret, nil
}
