package youtube

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// UploadScope is the only scope the publisher needs.
const UploadScope = "https://www.googleapis.com/auth/youtube.upload"

// authorizedUser is the JSON written by the OAuth installed-app flow.
type authorizedUser struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	Expiry       string   `json:"expiry"`
}

// Credentials is one channel's OAuth client and last known token.
type Credentials struct {
	Config *oauth2.Config
	Token  *oauth2.Token
}

// LoadCredentials reads an authorized-user credentials file.
func LoadCredentials(path string) (Credentials, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}
	return ParseCredentials(b)
}

func ParseCredentials(b []byte) (Credentials, error) {
	var au authorizedUser
	if err := json.Unmarshal(b, &au); err != nil {
		return Credentials{}, fmt.Errorf("credentials: %w", err)
	}
	if au.ClientID == "" || au.ClientSecret == "" {
		return Credentials{}, errors.New("credentials: client_id and client_secret are required")
	}
	if au.RefreshToken == "" && au.Token == "" {
		return Credentials{}, errors.New("credentials: no token or refresh_token")
	}

	endpoint := google.Endpoint
	if strings.TrimSpace(au.TokenURI) != "" {
		endpoint.TokenURL = au.TokenURI
	}
	scopes := au.Scopes
	if len(scopes) == 0 {
		scopes = []string{UploadScope}
	}

	tok := &oauth2.Token{
		AccessToken:  au.Token,
		RefreshToken: au.RefreshToken,
		TokenType:    "Bearer",
	}
	if au.Expiry != "" {
		exp, err := parseExpiry(au.Expiry)
		if err != nil {
			return Credentials{}, fmt.Errorf("credentials: expiry: %w", err)
		}
		tok.Expiry = exp
	}
	if tok.AccessToken == "" {
		// Force a refresh on first use.
		tok.Expiry = time.Unix(1, 0)
	}

	return Credentials{
		Config: &oauth2.Config{
			ClientID:     au.ClientID,
			ClientSecret: au.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		Token: tok,
	}, nil
}

func parseExpiry(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	// Naive UTC timestamps without a zone suffix.
	t, err := time.Parse("2006-01-02T15:04:05.999999", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
