package provider

import (
	"context"
	"net/http"

	"smallbiznis-billing/pkg/errutil"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// tokenFetcher acquires client credential tokens. Tokens are fetched per
// operation; concurrent fetches for the same provider share one request.
type tokenFetcher struct {
	group  singleflight.Group
	client *http.Client
}

func (f *tokenFetcher) fetch(ctx context.Context, key string, cfg *clientcredentials.Config) (string, error) {
	v, err, _ := f.group.Do(key, func() (any, error) {
		tok, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, f.client))
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	})
	if err != nil {
		zap.L().Error("failed to acquire provider token", zap.String("provider", key), zap.Error(err))
		return "", errutil.BadGateway("could not authenticate with payment provider", ErrTokenAcquisition,
			errutil.WithDetails(errutil.Detail{Field: "provider", Message: key}))
	}

	token, _ := v.(string)
	if token == "" {
		return "", errutil.BadGateway("payment provider returned an empty token", ErrTokenAcquisition)
	}
	return token, nil
}
