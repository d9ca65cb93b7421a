package broker

import (
	"context"
	"errors"
	"net/http"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
)

// Refresher exchanges a third-party refresh token for a new token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuth2Refresher refreshes tokens against an OAuth2 provider's token endpoint.
type OAuth2Refresher struct {
	Config *oauth2.Config
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if r.Config == nil {
		return nil, errors.New("oauth2 refresher is not configured")
	}
	// An empty access token forces the source to hit the token endpoint.
	tok, err := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}
	return tok, nil
}

// classifyRefreshError marks provider rejections of the refresh token itself
// as permanent so they are not retried.
func classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	switch re.ErrorCode {
	case "invalid_grant", "bad_refresh_token", "unauthorized_client":
		return backoff.Permanent(err)
	}
	if re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return backoff.Permanent(err)
		}
	}
	return err
}
