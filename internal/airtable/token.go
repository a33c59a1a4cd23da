package airtable

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const DefaultTokenURL = "https://airtable.com/oauth2/v1/token"

// Token is a freshly issued access/refresh pair. RefreshToken is empty when
// the token endpoint did not rotate it.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenExchanger performs the refresh_token grant against Airtable's token
// endpoint, sending the client credentials in the form body.
type TokenExchanger struct {
	cfg        oauth2.Config
	httpClient *http.Client
}

func NewTokenExchanger(tokenURL, clientID, clientSecret string, httpClient *http.Client) *TokenExchanger {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &TokenExchanger{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}
}

func (e *TokenExchanger) RefreshToken(ctx context.Context, refreshToken string) (Token, error) {
	if refreshToken == "" {
		return Token{}, errors.New("refresh token: empty refresh token")
	}
	if e.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	}
	// An empty access token forces the source to hit the token endpoint.
	source := e.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	issued, err := source.Token()
	if err != nil {
		return Token{}, fmt.Errorf("refresh token: %w", err)
	}
	if issued.AccessToken == "" {
		return Token{}, errors.New("refresh token: token endpoint returned no access token")
	}
	rotated := issued.RefreshToken
	if rotated == refreshToken {
		rotated = ""
	}
	return Token{AccessToken: issued.AccessToken, RefreshToken: rotated, Expiry: issued.Expiry}, nil
}
