package secrets

import (
	"context"
	"encoding/json"

	"github.com/segmentio/ksuid"

	"github.com/halcyard/runloom/pkg/schema"
)

// Handle is an opaque per-run reference to resolved secret material. The
// token is safe to persist and log; the material itself lives only in
// memory for the duration of the run. Handles marshal as their token, so
// run history serialization is redacted by construction.
type Handle struct {
	Token string
	Kind  schema.ParameterType

	value []byte
}

// Reveal returns the secret material. Callers pass it to the action
// executor at point of use and must not persist it.
func (h *Handle) Reveal() []byte { return h.value }

func (h *Handle) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Token)
}

// Resolver turns a credential parameter into a secret handle.
type Resolver interface {
	ResolveCredential(ctx context.Context, p schema.Parameter) (*Handle, error)
}

// VaultResolver resolves credential parameters against a Vault. The vault
// key is derived from the parameter variant.
type VaultResolver struct {
	vault Vault
}

// NewVaultResolver creates a Resolver backed by the given vault.
func NewVaultResolver(v Vault) *VaultResolver {
	return &VaultResolver{vault: v}
}

// ResolveCredential fetches the secret material for the parameter and wraps
// it in a fresh handle. Handles are per-run and never cached across runs.
func (r *VaultResolver) ResolveCredential(ctx context.Context, p schema.Parameter) (*Handle, error) {
	key, err := vaultKey(p)
	if err != nil {
		return nil, err
	}
	value, err := r.vault.Resolve(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSecretResolution,
			"resolve credential parameter %q: %s", p.Key, err.Error()).WithCause(err)
	}
	return &Handle{
		Token: "secret_" + ksuid.New().String(),
		Kind:  p.Type,
		value: value,
	}, nil
}

func vaultKey(p schema.Parameter) (string, error) {
	switch p.Type {
	case schema.ParameterTypeAWSSecret:
		return "aws/" + p.AWSKey, nil
	case schema.ParameterTypeBitwardenLoginCredential:
		return "bitwarden/login/" + p.BitwardenItemID, nil
	case schema.ParameterTypeBitwardenCreditCardData:
		return "bitwarden/card/" + p.BitwardenItemID, nil
	case schema.ParameterTypeBitwardenSensitiveInformation:
		return "bitwarden/sensitive/" + p.BitwardenIdentity, nil
	case schema.ParameterTypeCredential:
		return "credential/" + p.CredentialID, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeSecretResolution,
			"parameter %q is not a credential parameter", p.Key)
	}
}
