// Package lease issues and checks signed assignment leases. A lease binds a
// work item to the worker it was assigned to; completing the item requires
// presenting the lease.
package lease

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptySecret = errors.New("empty lease secret")
	ErrMismatch    = errors.New("lease does not match assignment")
)

type Claims struct {
	WorkItemID string `json:"wid"`
	jwt.RegisteredClaims
}

// WorkerID is the lease holder.
func (c *Claims) WorkerID() string { return c.Subject }

type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive, got %s", ttl)
	}
	return &Issuer{secret: secret, ttl: ttl}, nil
}

// Issue returns a signed lease for workItemID held by workerID and its expiry.
func (i *Issuer) Issue(workItemID, workerID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(i.ttl)
	claims := Claims{
		WorkItemID: workItemID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        workItemID + "-" + now.UTC().Format("20060102T150405"),
			Subject:   workerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify validates signature and expiry at now and checks the lease names
// workItemID. An empty workerID skips the holder check.
func (i *Issuer) Verify(tokenStr, workItemID, workerID string, now time.Time) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	tok, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid lease: %w", err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid lease claims")
	}
	if claims.WorkItemID != workItemID {
		return nil, fmt.Errorf("%w: issued for %q", ErrMismatch, claims.WorkItemID)
	}
	if workerID != "" && claims.Subject != workerID {
		return nil, fmt.Errorf("%w: held by %q", ErrMismatch, claims.Subject)
	}
	return claims, nil
}
