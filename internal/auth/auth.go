// Package auth issues and validates the HS256 JWTs used by the service: long
// lived user tokens for the REST API and signaling socket, and short lived
// session tokens binding one device to one session.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenMismatch = errors.New("token does not match session or device")
)

// JWTClaims represents the claims in a user token
type JWTClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// SessionClaims binds a session id and a device identity.
type SessionClaims struct {
	SessionID string `json:"sid"`
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and parses tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// IssueUserToken generates a user token valid for ttl.
func (i *Issuer) IssueUserToken(userID string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := JWTClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// ParseUserToken validates a user token and returns its user id.
func (i *Issuer) ParseUserToken(tokenString string) (string, error) {
	claims := &JWTClaims{}
	if err := i.parse(tokenString, claims); err != nil {
		return "", err
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	return claims.UserID, nil
}

// IssueSessionToken generates an ephemeral token for one participant.
func (i *Issuer) IssueSessionToken(sessionID, userID, deviceID, role string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := SessionClaims{
		SessionID: sessionID,
		UserID:    userID,
		DeviceID:  deviceID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// ParseSessionToken validates a session token.
func (i *Issuer) ParseSessionToken(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := i.parse(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifySessionToken checks that the token is valid and bound to sessionID
// and deviceID.
func (i *Issuer) VerifySessionToken(tokenString, sessionID, deviceID string) (*SessionClaims, error) {
	claims, err := i.ParseSessionToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.SessionID != sessionID || claims.DeviceID != deviceID {
		return nil, ErrTokenMismatch
	}
	return claims, nil
}

func (i *Issuer) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

// PeekSessionClaims decodes a session token without checking its signature
// or expiry. Peers use it to match a counterpart's token to the session;
// the signaling server has already verified it when routing.
func PeekSessionClaims(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
