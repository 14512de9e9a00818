// Package filespace resolves a project's push destinations into CI pipeline
// variables (§4.9). The actual file push happens inside the triggered CI
// job, outside this process (§1 Non-goals: this engine is not a CI runner);
// a filespace.Provider's job is to hand the implementation driver the
// decrypted credentials and addressing the in-CI push step needs, the way
// the teacher's internal/hosting.Provider resolves a token and builds a
// client for PR operations.
package filespace

import (
	"context"
	"fmt"

	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/secrets"
)

// Provider resolves one FileSpace's push destination into CI pipeline
// variables, namespaced by the caller under a per-FileSpace prefix.
type Provider interface {
	// Variables returns the pipeline variables the in-CI push step needs
	// for this destination: repository address, branch, and a decrypted
	// push credential.
	Variables(ctx context.Context) (map[string]string, error)
}

// NewProviderFunc constructs a Provider from a FileSpace's discriminated
// config and a secrets client able to decrypt its configured credential.
type NewProviderFunc func(fs *domain.FileSpace, secretsClient secrets.Client) (Provider, error)

var constructors = map[domain.FileSpaceType]NewProviderFunc{}

// Register records a constructor for a FileSpace type. Called from each
// provider package's init().
func Register(t domain.FileSpaceType, fn NewProviderFunc) {
	constructors[t] = fn
}

// New resolves fs.Type to its registered constructor.
func New(fs *domain.FileSpace, secretsClient secrets.Client) (Provider, error) {
	ctor, ok := constructors[fs.Type]
	if !ok {
		return nil, fmt.Errorf("filespace: no provider registered for type %q", fs.Type)
	}
	return ctor(fs, secretsClient)
}

// ResolveAll builds the combined pipeline-variable set for every enabled
// FileSpace in spaces, each namespaced FILESPACE_<n>_* so the in-CI push
// step can address multiple destinations from one triggered pipeline.
func ResolveAll(ctx context.Context, spaces []*domain.FileSpace, secretsClient secrets.Client) (map[string]string, error) {
	out := map[string]string{}
	n := 0
	for _, fs := range spaces {
		if !fs.Enabled {
			continue
		}
		provider, err := New(fs, secretsClient)
		if err != nil {
			return nil, fmt.Errorf("filespace: resolve provider for %s: %w", fs.Name, err)
		}
		vars, err := provider.Variables(ctx)
		if err != nil {
			return nil, fmt.Errorf("filespace: resolve variables for %s: %w", fs.Name, err)
		}
		prefix := fmt.Sprintf("FILESPACE_%d_", n)
		for k, v := range vars {
			out[prefix+k] = v
		}
		out[prefix+"NAME"] = fs.Name
		n++
	}
	out["FILESPACE_COUNT"] = fmt.Sprintf("%d", n)
	return out, nil
}
