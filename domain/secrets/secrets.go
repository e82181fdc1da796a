// Package secrets resolves tenant credential references into source
// API credentials. The pipeline stores only opaque refs; the payload
// lives in the configured provider (env vars for dev, a pgcrypto
// encrypted table, or AWS Secrets Manager).
package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/avesa-io/avesa/pkg/apperror"
)

// Credentials is the decoded secret payload for one (tenant, service).
type Credentials struct {
	// Kind selects the auth scheme: "basic", "bearer", or "api_key".
	Kind     string `json:"kind"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	// Extras carries service-specific settings such as instance_url
	// or client_id.
	Extras map[string]string `json:"extras,omitempty"`
}

// Extra returns an extras value, empty string when absent.
func (c Credentials) Extra(key string) string {
	return c.Extras[key]
}

// Store resolves credential refs.
type Store interface {
	// Get resolves one ref. A missing ref returns AuthFailure: the
	// pipeline treats an unresolvable credential the same as a rejected
	// one.
	Get(ctx context.Context, ref string) (Credentials, error)
}

// Writer is implemented by providers that accept payloads from the
// operator CLI.
type Writer interface {
	Put(ctx context.Context, ref string, creds Credentials) error
}

func notResolvable(ref string) error {
	return apperror.Newf(apperror.KindAuthFailure, "credential ref %s could not be resolved", ref)
}

func decode(ref string, payload []byte) (Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		return Credentials{}, apperror.Wrap(apperror.KindAuthFailure,
			fmt.Sprintf("credential payload for %s is not valid JSON", ref), err)
	}
	if creds.Kind == "" {
		return Credentials{}, apperror.Newf(apperror.KindAuthFailure,
			"credential payload for %s has no kind", ref)
	}
	return creds, nil
}
