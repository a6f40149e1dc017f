package domain

import (
	"errors"
	"net/url"
	"slices"
	"time"
)

// Client is an external application allowed to request identity via an oauth-authorize session.
type Client struct {
	ID           string
	Name         string
	SecretHash   string
	RedirectURIs []string
	CreatedAt    time.Time
}

// Validate validates the client for persistence. Returns an error describing the first validation failure.
func (c *Client) Validate() error {
	if c.ID == "" {
		return errors.New("client id is required")
	}
	if c.SecretHash == "" {
		return errors.New("client secret is required")
	}
	if len(c.RedirectURIs) == 0 {
		return errors.New("at least one redirect uri is required")
	}
	for _, r := range c.RedirectURIs {
		u, err := url.Parse(r)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("redirect uri must be absolute: " + r)
		}
	}
	return nil
}

// AllowsRedirect reports whether uri exactly matches a registered redirect URI.
func (c *Client) AllowsRedirect(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}
