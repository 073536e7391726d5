package transport

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/odi-tracker/odi/internal/core"
)

// Environment variables consulted by EnvCredentials.
const (
	// EnvToken holds a bearer token for http(s) remotes.
	EnvToken = "ODI_TOKEN"

	// EnvBasicAuth holds "user:password" for http(s) remotes.
	EnvBasicAuth = "ODI_BASIC_AUTH"
)

// Credential is an opaque secret handle a transport attaches to
// requests. Exactly one of Token or User/Password is set.
type Credential struct {
	Token    string
	User     string
	Password string
}

// CredentialProvider resolves a secret for a remote. A nil credential
// with nil error means the remote needs none. Hint comes from the
// remote descriptor; providers may ignore it when they can satisfy the
// request another way.
type CredentialProvider interface {
	Credential(u *url.URL, hint core.AuthHint) (*Credential, error)
}

// EnvCredentials reads secrets from the process environment. It is the
// default provider: ODI_TOKEN wins over ODI_BASIC_AUTH when both are
// set and the hint does not force a choice.
type EnvCredentials struct{}

// Credential implements CredentialProvider.
func (EnvCredentials) Credential(u *url.URL, hint core.AuthHint) (*Credential, error) {
	switch hint {
	case core.AuthNone, core.AuthSSHKey:
		// ssh_key is the ssh client's business; nothing to attach here.
		return nil, nil
	case core.AuthToken:
		if tok := os.Getenv(EnvToken); tok != "" {
			return &Credential{Token: tok}, nil
		}
		return nil, fmt.Errorf("%w: remote %s wants a token but %s is not set",
			core.ErrCredentialUnavailable, u.Redacted(), EnvToken)
	}

	// No hint: use whatever the environment offers.
	if tok := os.Getenv(EnvToken); tok != "" {
		return &Credential{Token: tok}, nil
	}
	if basic := os.Getenv(EnvBasicAuth); basic != "" {
		user, pass, ok := strings.Cut(basic, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("%w: %s must look like user:password",
				core.ErrCredentialUnavailable, EnvBasicAuth)
		}
		return &Credential{User: user, Password: pass}, nil
	}
	return nil, nil
}

// StaticCredentials always returns the same credential. Used by tests
// and by callers that already hold a secret.
type StaticCredentials Credential

// Credential implements CredentialProvider.
func (c StaticCredentials) Credential(*url.URL, core.AuthHint) (*Credential, error) {
	cred := Credential(c)
	if cred.Token == "" && cred.User == "" {
		return nil, nil
	}
	return &cred, nil
}
