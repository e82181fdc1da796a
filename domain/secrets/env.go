package secrets

import (
	"context"
	"os"
	"strings"
)

// Env resolves refs from AVESA_SECRET_* environment variables. It is
// the development provider; nothing about it is durable.
type Env struct{}

var _ Store = (*Env)(nil)

// NewEnv returns the environment-variable provider.
func NewEnv() *Env {
	return &Env{}
}

// Get reads AVESA_SECRET_<REF> where REF is the ref uppercased with
// every non-alphanumeric rune replaced by underscore. The ref
// "acme/connectwise" resolves from AVESA_SECRET_ACME_CONNECTWISE.
func (e *Env) Get(_ context.Context, ref string) (Credentials, error) {
	payload := os.Getenv(EnvVar(ref))
	if payload == "" {
		return Credentials{}, notResolvable(ref)
	}
	return decode(ref, []byte(payload))
}

// EnvVar returns the environment variable name a ref resolves from.
func EnvVar(ref string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, ref)
	return "AVESA_SECRET_" + strings.ToUpper(mapped)
}
