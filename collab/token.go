package collab

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/newsroom-sync/docsync/connect"
)

type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}

type CredentialProviderFunction func(ctx context.Context) (string, error)

func (self CredentialProviderFunction) Credential(ctx context.Context) (string, error) {
	return self(ctx)
}

type TokenFunction = func(token string)

type TokenRefresherSettings struct {
	// refresh this long before the credential expires
	RefreshBefore time.Duration
	// used when the credential carries no expiry
	RefreshInterval time.Duration
	RetryTimeout    time.Duration
}

func DefaultTokenRefresherSettings() *TokenRefresherSettings {
	return &TokenRefresherSettings{
		RefreshBefore:   60 * time.Second,
		RefreshInterval: 5 * time.Minute,
		RetryTimeout:    5 * time.Second,
	}
}

// keeps a credential fresh and pushes each new token to the callbacks
type TokenRefresher struct {
	ctx    context.Context
	cancel context.CancelFunc

	provider CredentialProvider
	settings *TokenRefresherSettings

	tokenCallbacks *connect.CallbackList[TokenFunction]
}

func NewTokenRefresherWithDefaults(ctx context.Context, provider CredentialProvider) *TokenRefresher {
	return NewTokenRefresher(ctx, provider, DefaultTokenRefresherSettings())
}

func NewTokenRefresher(ctx context.Context, provider CredentialProvider, settings *TokenRefresherSettings) *TokenRefresher {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &TokenRefresher{
		ctx:            cancelCtx,
		cancel:         cancel,
		provider:       provider,
		settings:       settings,
		tokenCallbacks: connect.NewCallbackList[TokenFunction](),
	}
}

func (self *TokenRefresher) AddTokenCallback(tokenCallback TokenFunction) func() {
	callbackId := self.tokenCallbacks.Add(tokenCallback)
	return func() {
		self.tokenCallbacks.Remove(callbackId)
	}
}

// refreshes until the refresher is closed. `token` is the credential already
// in use and may be empty.
func (self *TokenRefresher) Run(token string) {
	defer self.cancel()

	for {
		timeout := self.refreshTimeout(token)
		glog.V(1).Infof("[token]refresh in %s\n", timeout)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(timeout):
		}

		nextToken, err := self.provider.Credential(self.ctx)
		if err != nil {
			glog.Infof("[token]refresh error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.RetryTimeout):
			}
			continue
		}
		token = nextToken
		for _, tokenCallback := range self.tokenCallbacks.Get() {
			connect.HandleError(func() {
				tokenCallback(token)
			})
		}
	}
}

func (self *TokenRefresher) refreshTimeout(token string) time.Duration {
	if token == "" {
		return 0
	}
	credential, err := connect.ParseCredentialUnverified(token)
	if err != nil {
		glog.Infof("[token]unreadable credential = %s\n", err)
		return self.settings.RetryTimeout
	}
	expiresIn, err := credential.ExpiresIn()
	if err != nil {
		return self.settings.RefreshInterval
	}
	return max(self.settings.RetryTimeout, expiresIn-self.settings.RefreshBefore)
}

func (self *TokenRefresher) Close() {
	self.cancel()
}
