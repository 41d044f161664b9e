package forge

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// oauthHTTPClient wraps a static token (personal access token, or an
// installation token refreshed elsewhere) in the oauth2 transport that
// go-github and githubv4 both expect as their http.Client.
func oauthHTTPClient(token string) *http.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return oauth2.NewClient(context.Background(), ts)
}
