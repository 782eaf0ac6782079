package connect

import (
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrCredentialNoExpiry = errors.New("credential has no expiry")

// session credential as issued by the newsroom auth service
type Credential struct {
	Token     string
	Subject   string
	Name      string
	Units     []string
	Scope     string
	ExpiresAt time.Time
}

// the client never holds the signing key, so credentials are only parsed for their claims
func ParseCredentialUnverified(token string) (*Credential, error) {
	parser := gojwt.NewParser()
	jwtToken, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := jwtToken.Claims.(gojwt.MapClaims)

	credential := &Credential{
		Token: token,
	}

	if subject, err := claims.GetSubject(); err == nil {
		credential.Subject = subject
	}
	if name, ok := claims["sub_name"].(string); ok {
		credential.Name = name
	}
	if scope, ok := claims["scope"].(string); ok {
		credential.Scope = scope
	}
	if units, ok := claims["units"].([]any); ok {
		for _, unit := range units {
			if unitStr, ok := unit.(string); ok {
				credential.Units = append(credential.Units, unitStr)
			}
		}
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		credential.ExpiresAt = expiresAt.Time
	}

	return credential, nil
}

func (self *Credential) ExpiresIn() (time.Duration, error) {
	if self.ExpiresAt.IsZero() {
		return 0, ErrCredentialNoExpiry
	}
	return time.Until(self.ExpiresAt), nil
}

func (self *Credential) Expired() bool {
	if self.ExpiresAt.IsZero() {
		return false
	}
	return !time.Now().Before(self.ExpiresAt)
}
