// Package keys implements the tenant signing-key rotation protocol and the
// key-bootstrap administration flows.
package keys

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/apierr"
	"github.com/tapis-project/tokens-api/internal/sk"
	"github.com/tapis-project/tokens-api/internal/tenants"
)

// Rotator runs the three-phase rotation: generate in SK, publish to the
// Tenants registry, swap the in-process cache.
type Rotator struct {
	sk          *sk.Client
	registry    *tenants.Client
	cache       *tenants.Cache
	serviceName string
	logger      *zap.Logger
}

// NewRotator creates a rotator.
func NewRotator(skClient *sk.Client, registry *tenants.Client, cache *tenants.Cache, serviceName string, logger *zap.Logger) *Rotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rotator{sk: skClient, registry: registry, cache: cache, serviceName: serviceName, logger: logger}
}

// Rotate generates a new key pair for the tenant and returns the new public
// key. There is no rollback of the generate phase: SK is the source of truth
// for private keys, and a publish failure leaves the two stores inconsistent
// until an operator re-runs the publish.
func (r *Rotator) Rotate(ctx context.Context, tenantID string) (string, error) {
	privateKey, publicKey, err := r.GenerateInSK(ctx, tenantID)
	if err != nil {
		return "", err
	}

	if err := r.registry.UpdateTenant(ctx, tenantID, publicKey); err != nil {
		r.logger.Error("SK and Tenants are now out of sync; inspect immediately",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return "", apierr.Wrap(apierr.KindInconsistency,
			"Unable to update tenant definition with new public key. Please contact system administrators.", err)
	}
	r.logger.Info("tenant updated with new public key", zap.String("tenant_id", tenantID))

	// the cache copy keeps bearer validation current without a registry
	// reload. Only served tenants are cached; rotating a DRAFT tenant this
	// instance does not serve skips the swap.
	if err := r.cache.SetSigningKey(tenantID, privateKey); err != nil {
		if !errors.Is(err, tenants.ErrNotFound) {
			return "", err
		}
		r.logger.Debug("tenant not served by this instance; skipping cache swap",
			zap.String("tenant_id", tenantID))
	} else if err := r.cache.SetPublicKey(tenantID, publicKey); err != nil {
		return "", err
	}
	return publicKey, nil
}

// GenerateInSK asks SK to generate a key pair server-side and reads the
// resulting material back. writeSecret returns no key bytes by design.
func (r *Rotator) GenerateInSK(ctx context.Context, tenantID string) (privateKey, publicKey string, err error) {
	data := map[string]string{"privateKey": sk.GenerateSecretSentinel}
	if err := r.sk.WriteSecret(ctx, sk.SecretTypeJWTSigning, sk.SecretNameKeys, tenantID, r.serviceName, data); err != nil {
		return "", "", apierr.Wrap(apierr.KindUpstream, "Security Kernel could not generate a key pair.", err)
	}

	pair, err := r.sk.ReadSecret(ctx, sk.SecretTypeJWTSigning, sk.SecretNameKeys, tenantID, r.serviceName)
	if err != nil {
		return "", "", apierr.Wrap(apierr.KindUpstream, "Security Kernel could not return the generated key pair.", err)
	}
	if pair.PrivateKey == "" || pair.PublicKey == "" {
		return "", "", apierr.New(apierr.KindUpstream, "Security Kernel returned incomplete key material.")
	}
	return pair.PrivateKey, pair.PublicKey, nil
}
