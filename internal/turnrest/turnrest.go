// Package turnrest issues short-lived TURN credentials that a coturn server
// running with use-auth-secret accepts without a user database:
//
//	username   = <expiry unix seconds>:<prefix>:<id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultUsernamePrefix = "signal"

const DefaultTTL = time.Hour

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and NewID are overridden in tests.
	Now   func() time.Time
	NewID func() string
}

func (c Config) Validate() error {
	if c.SharedSecret == "" {
		return errors.New("shared secret is required")
	}
	if c.TTL < time.Second {
		return fmt.Errorf("ttl %s must be at least 1s", c.TTL)
	}
	if c.UsernamePrefix == "" {
		return errors.New("username prefix is required")
	}
	if strings.Contains(c.UsernamePrefix, ":") {
		return fmt.Errorf("username prefix %q must not contain ':'", c.UsernamePrefix)
	}
	return nil
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
	newID  func() string
}

func New(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
		newID:  cfg.NewID,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

// Issue mints credentials bound to id. An empty id gets a random one.
func (g *Generator) Issue(id string) (Credentials, error) {
	if id == "" {
		id = g.newID()
	}
	if strings.Contains(id, ":") {
		return Credentials{}, fmt.Errorf("id %q must not contain ':'", id)
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, id)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		Expires:    expires,
	}, nil
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
