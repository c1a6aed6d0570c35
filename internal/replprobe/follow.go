package replprobe

import "database/sql"

// FollowCheck is the pure decision input for check_node_can_follow,
// split out from the database fetch so the decision
// itself is unit-testable without a live connection.
type FollowCheck struct {
	Local  SystemIdentity
	Target SystemIdentity

	LocalLSN         LSN
	TargetCurrentLSN LSN

	// ForkPoint is the LSN at which Target's timeline forked away from
	// Local's, as read from Target's TIMELINE_HISTORY(Local.Timeline).
	// Only consulted when Target.Timeline > Local.Timeline.
	ForkPoint LSN
}

// CanFollow implements the check_node_can_follow guard:
//   - reject if system identifiers differ (different clusters entirely)
//   - if timelines are equal, the local LSN must not exceed the
//     target's current LSN (local can't be ahead of what it would follow)
//   - if the target's timeline is higher, the fork point recorded in
//     the target's timeline history must be at or beyond the local LSN
//     (the fork happened after everything local has already replayed)
//   - otherwise (target's timeline is lower) local cannot follow it
func (c FollowCheck) CanFollow() bool {
	if c.Local.SystemID != c.Target.SystemID {
		return false
	}
	if c.Local.Timeline == c.Target.Timeline {
		return c.LocalLSN <= c.TargetCurrentLSN
	}
	if c.Target.Timeline > c.Local.Timeline {
		return c.ForkPoint >= c.LocalLSN
	}
	return false
}

// CheckNodeCanFollow fetches the system identities (and, when needed,
// the target's timeline history) via p, then evaluates CanFollow.
func CheckNodeCanFollow(p Prober, localReplConn *sql.DB, localLSN LSN, targetReplConn *sql.DB, targetCurrentLSN LSN) (bool, error) {
	local, err := p.IdentifySystem(localReplConn)
	if err != nil {
		return false, err
	}
	target, err := p.IdentifySystem(targetReplConn)
	if err != nil {
		return false, err
	}

	check := FollowCheck{
		Local:            local,
		Target:           target,
		LocalLSN:         localLSN,
		TargetCurrentLSN: targetCurrentLSN,
	}

	if target.Timeline > local.Timeline {
		entry, err := p.TimelineHistory(targetReplConn, local.Timeline)
		if err != nil {
			return false, err
		}
		check.ForkPoint = entry.EndLSN
	}

	return check.CanFollow(), nil
}
