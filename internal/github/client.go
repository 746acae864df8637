// Package github bridges session agents to the remote git provider for
// pull-request operations and repo discovery.
package github

import (
	"fmt"
	"regexp"
	"strings"

	gh "github.com/google/go-github/v68/github"
)

var (
	httpsRepoRe = regexp.MustCompile(`^https?://[^/]+/([^/]+)/([^/]+?)(?:\.git)?/?$`)
	sshRepoRe   = regexp.MustCompile(`^git@[^:]+:([^/]+)/([^/]+?)(?:\.git)?$`)
)

// ParseRepoURL extracts owner and repo from an https or ssh remote URL.
func ParseRepoURL(url string) (owner, repo string, err error) {
	url = strings.TrimSpace(url)
	if m := httpsRepoRe.FindStringSubmatch(url); m != nil {
		return m[1], m[2], nil
	}
	if m := sshRepoRe.FindStringSubmatch(url); m != nil {
		return m[1], m[2], nil
	}
	return "", "", fmt.Errorf("unrecognized repository URL %q", url)
}

// ClientFactory builds provider clients for a token. Tests swap this to
// point at an httptest server.
type ClientFactory func(token string) *gh.Client

// DefaultClientFactory returns clients against api.github.com.
func DefaultClientFactory(token string) *gh.Client {
	return gh.NewClient(nil).WithAuthToken(token)
}
