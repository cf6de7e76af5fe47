package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
)

const (
	maxOverrideMultiplier = 10.0
	maxOverrideDuration   = 7 * 24 * time.Hour
)

// GrantOverride issues a temporary cap multiplier for one sender. The grant
// raises the daily and weekly caps only; intervals and cooldowns stay fixed.
func (g *Guard) GrantOverride(ctx context.Context, senderID uuid.UUID, multiplier float64, duration time.Duration, grantedBy uuid.UUID, reason string) (*domain.OverrideGrant, error) {
	if multiplier <= 1.0 || multiplier > maxOverrideMultiplier {
		return nil, &domain.PolicyDeniedError{
			Code:   domain.DenialInvalidRequest,
			Reason: fmt.Sprintf("override multiplier must be above 1.0 and at most %.0f", maxOverrideMultiplier),
		}
	}
	if duration <= 0 || duration > maxOverrideDuration {
		return nil, &domain.PolicyDeniedError{
			Code:   domain.DenialInvalidRequest,
			Reason: fmt.Sprintf("override duration must be positive and at most %s", maxOverrideDuration),
		}
	}
	if reason == "" {
		return nil, &domain.PolicyDeniedError{
			Code:   domain.DenialInvalidRequest,
			Reason: "override grants require a reason",
		}
	}

	now := g.clock().UTC()
	grant := &domain.OverrideGrant{
		ID:         uuid.New(),
		SenderID:   senderID,
		Multiplier: multiplier,
		GrantedBy:  grantedBy,
		Reason:     reason,
		ExpiresAt:  now.Add(duration),
		CreatedAt:  now,
	}
	if err := g.store.CreateOverride(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to store cap override: %w", err)
	}

	g.logger.InfoContext(ctx, "Cap override granted",
		"sender_id", senderID, "multiplier", multiplier, "expires_at", grant.ExpiresAt, "granted_by", grantedBy)
	return grant, nil
}
