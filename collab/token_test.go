package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func testToken(t *testing.T, subject string, expiresIn time.Duration) string {
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(expiresIn).Unix(),
	}).SignedString([]byte("test-key"))
	assert.Equal(t, err, nil)
	return token
}

func TestTokenRefresher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stateLock := sync.Mutex{}
	calls := 0
	provider := CredentialProviderFunction(func(ctx context.Context) (string, error) {
		stateLock.Lock()
		defer stateLock.Unlock()
		calls += 1
		if calls == 1 {
			return "", errors.New("unavailable")
		}
		return testToken(t, fmt.Sprintf("user%d", calls), 2*time.Second), nil
	})

	settings := DefaultTokenRefresherSettings()
	settings.RefreshBefore = 2 * time.Second
	settings.RetryTimeout = 10 * time.Millisecond
	refresher := NewTokenRefresher(ctx, provider, settings)
	defer refresher.Close()

	tokens := make(chan string, 16)
	refresher.AddTokenCallback(func(token string) {
		select {
		case tokens <- token:
		default:
		}
	})

	go refresher.Run("")

	// the first refresh fails and is retried
	first := <-tokens
	subject, err := parseTestSubject(first)
	assert.Equal(t, err, nil)
	assert.Equal(t, subject, "user2")

	// refreshed again ahead of the expiry
	second := <-tokens
	subject, err = parseTestSubject(second)
	assert.Equal(t, err, nil)
	assert.Equal(t, subject, "user3")
}

func TestTokenRefresherNoExpiry(t *testing.T) {
	settings := DefaultTokenRefresherSettings()
	refresher := NewTokenRefresher(context.Background(), nil, settings)
	defer refresher.Close()

	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": "user1",
	}).SignedString([]byte("test-key"))
	assert.Equal(t, err, nil)

	assert.Equal(t, refresher.refreshTimeout(token), settings.RefreshInterval)
	assert.Equal(t, refresher.refreshTimeout(""), time.Duration(0))
	assert.Equal(t, refresher.refreshTimeout("garbage"), settings.RetryTimeout)
}

func parseTestSubject(token string) (string, error) {
	claims := gojwt.MapClaims{}
	_, _, err := gojwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return "", err
	}
	return claims.GetSubject()
}
