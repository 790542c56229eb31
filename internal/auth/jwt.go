package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is what a verified token carries about the calling operator.
type Claims struct {
	OperatorID uint64
	Email      string
}

type JWT struct {
	secret []byte
	ttl    time.Duration
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret), ttl: 24 * time.Hour}
}

func (j *JWT) Sign(op *Operator) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   op.ID,
		"email": op.Email,
		"iat":   now.Unix(),
		"exp":   now.Add(j.ttl).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(j.secret)
}

func (j *JWT) Verify(tokenStr string) (Claims, error) {
	t, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return j.secret, nil
	})
	if err != nil || !t.Valid {
		return Claims{}, errors.New("invalid token")
	}

	mc, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("invalid claims")
	}

	// jwt MapClaims numbers are float64
	sub, ok := mc["sub"].(float64)
	if !ok {
		return Claims{}, errors.New("missing sub")
	}
	email, _ := mc["email"].(string)

	return Claims{OperatorID: uint64(sub), Email: email}, nil
}
