package google

import (
	"os"

	"golang.org/x/oauth2"
	googleOAuth "golang.org/x/oauth2/google"
)

// OAuth credentials from the Antigravity client. Default values are used if
// environment variables are not set.
const (
	DefaultClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	DefaultClientSecret = "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"
)

// Scopes required for accessing the Cloud Code internal API.
var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

// GetOAuthConfig returns the OAuth2 config used for refresh-token exchange.
// clientID/clientSecret/tokenURL override the built-in Google endpoint when
// non-empty; used by tests to point at a fake token server.
func GetOAuthConfig(clientID, clientSecret, tokenURL string) *oauth2.Config {
	if clientID == "" {
		clientID = os.Getenv("GOOGLE_CLIENT_ID")
	}
	if clientID == "" {
		clientID = DefaultClientID
	}

	if clientSecret == "" {
		clientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	}
	if clientSecret == "" {
		clientSecret = DefaultClientSecret
	}

	endpoint := googleOAuth.Endpoint
	if tokenURL != "" {
		endpoint = oauth2.Endpoint{TokenURL: tokenURL}
	}

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       Scopes,
		Endpoint:     endpoint,
	}
}
