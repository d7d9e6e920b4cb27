package dispatch

import (
	"sort"

	"github.com/Tompark0927/bus-assigning/pkg/db"
)

// RankCandidates returns the candidates ordered for notification: OFF before
// WORKING, then ascending streak, then driver id so equal candidates always
// come out in the same order. The input slice is not modified.
func RankCandidates(candidates []db.Candidate) []db.Candidate {
	ranked := make([]db.Candidate, len(candidates))
	copy(ranked, candidates)

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		aOff, bOff := a.DayState == db.DayOff, b.DayState == db.DayOff
		if aOff != bOff {
			return aOff
		}
		if a.Streak != b.Streak {
			return a.Streak < b.Streak
		}
		return a.DriverID < b.DriverID
	})
	return ranked
}

// SelectCandidates ranks candidates and keeps at most limit of them
func SelectCandidates(candidates []db.Candidate, limit int) []db.Candidate {
	ranked := RankCandidates(candidates)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// Score is the tie-break value of a responder. Off-duty drivers get offBonus
// and every consecutive work day costs one point.
func Score(state db.DayState, streak, offBonus int) int {
	score := -streak
	if state == db.DayOff {
		score += offBonus
	}
	return score
}

// betterResponder reports whether a beats b: higher score, then earlier
// response, then lower token id
func betterResponder(a, b db.Responder, offBonus int) bool {
	sa, sb := Score(a.DayState, a.Streak, offBonus), Score(b.DayState, b.Streak, offBonus)
	if sa != sb {
		return sa > sb
	}
	if !a.RespondedAt.Equal(b.RespondedAt) {
		return a.RespondedAt.Before(b.RespondedAt)
	}
	return a.TokenID < b.TokenID
}

// PickWinner returns the best responder. ok is false when there are none.
func PickWinner(responders []db.Responder, offBonus int) (winner db.Responder, ok bool) {
	for i, r := range responders {
		if i == 0 || betterResponder(r, winner, offBonus) {
			winner = r
		}
	}
	return winner, len(responders) > 0
}
