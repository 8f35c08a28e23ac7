package session

import (
	"errors"
	"strings"
)

const redacted = "<redacted>"

// Credential is an immutable identifier/secret pair scoped to one attempt.
// Its formatted forms never reveal either half.
type Credential struct {
	identifier string
	secret     string
}

// NewCredential validates and builds a credential.
func NewCredential(identifier, secret string) (Credential, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Credential{}, errors.New("credential identifier must not be empty")
	}
	if secret == "" {
		return Credential{}, errors.New("credential secret must not be empty")
	}
	return Credential{identifier: identifier, secret: secret}, nil
}

// Identifier returns the account identifier.
func (c Credential) Identifier() string {
	return c.identifier
}

// Secret returns the account secret.
func (c Credential) Secret() string {
	return c.secret
}

// IsZero reports whether the credential is unset.
func (c Credential) IsZero() bool {
	return c.identifier == "" && c.secret == ""
}

func (c Credential) String() string {
	return "Credential{" + redacted + "}"
}

// GoString keeps %#v from printing the fields.
func (c Credential) GoString() string {
	return c.String()
}
