package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/tenant-notify/internal/domain"
)

// FeatureGate checks company channel switches at dispatch time.
type FeatureGate struct {
	features FeatureLookup
}

// NewFeatureGate creates a new feature gate.
func NewFeatureGate(features FeatureLookup) *FeatureGate {
	return &FeatureGate{features: features}
}

// Allowed reports whether the company has the channel enabled.
// An unknown company has every channel disabled.
func (g *FeatureGate) Allowed(ctx context.Context, companyID string, channel domain.Channel) (bool, error) {
	f, err := g.features.CompanyFeatures(ctx, companyID)
	if err != nil {
		if errors.Is(err, ErrCompanyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get company features: %w", err)
	}
	return f.ChannelEnabled(channel), nil
}
