// Package quota maps a user's billing state to the number of projects they may own
// on their backend cluster.
package quota

import "github.com/mlplatform/console-backend/internal/db/models"

// Project limits.
const (
	PaidProjectLimit     = 5
	FreeTierProjectLimit = 1
	NoProjects           = 0
)

// MaxProjects returns the project limit for the given flags. The checks run in a
// fixed order because a user mid-transition can have several flags set: team
// membership wins over everything, then any paid plan, then the free tier.
func MaxProjects(isTeamMember, hasSubscription, isPrepaid, isFreeTier bool) int {
	if isTeamMember {
		return NoProjects
	}
	if hasSubscription || isPrepaid {
		return PaidProjectLimit
	}
	if isFreeTier {
		return FreeTierProjectLimit
	}
	return NoProjects
}

// ForUser derives the flags from a stored user and returns its project limit.
func ForUser(u *models.User) int {
	if u == nil {
		return NoProjects
	}
	return MaxProjects(
		u.IsTeamMember(),
		u.HasActiveSubscription(),
		u.BillingMode == models.BillingModePrepaid,
		u.BillingMode == models.BillingModeFree,
	)
}
