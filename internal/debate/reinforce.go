package debate

import (
	"context"
	"fmt"

	"github.com/vaheed/HER-Ai/internal/store"
)

// Profile deltas are bounded per event regardless of score magnitude.
const maxProfileDelta = 0.05

// reinforce scores the finished debate and folds the result into the
// user's autonomy profile.
func (d *Dispatcher) reinforce(ctx context.Context, req Request, trace *Trace, reply string, execErr error) {
	flags := store.ReinforcementFlags{
		TaskSucceeded:      trace.VerifierResult == string(verdictApprove) && execErr == nil,
		Concise:            len(reply) > 0 && len(reply) <= 400,
		Helpful:            execErr == nil && (len(trace.FinalActions) > 0 || reply != ""),
		EmotionallyAligned: trace.VerifierResult != string(verdictReject),
	}
	score := scoreFlags(flags)

	if d.events != nil {
		d.events.Reinforcement(&store.ReinforcementEvent{
			Timestamp: d.now().UTC(),
			UserID:    req.UserID,
			Score:     score,
			Label:     trace.VerifierResult,
			Flags:     flags,
			Reasoning: fmt.Sprintf("debate %s: %d actions, verifier %s", trace.RequestID, len(trace.FinalActions), trace.VerifierResult),
		})
	}
	d.applyProfileDelta(ctx, req.UserID, score)
}

// scoreFlags maps the outcome flags onto [-1, 1]. A failed task pulls
// the score negative even when partial behavior was fine.
func scoreFlags(flags store.ReinforcementFlags) float64 {
	score := -0.5
	if flags.TaskSucceeded {
		score = 0.5
	}
	if flags.Helpful {
		score += 0.2
	}
	if flags.Concise {
		score += 0.15
	}
	if flags.EmotionallyAligned {
		score += 0.15
	} else {
		score -= 0.25
	}
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}

// applyProfileDelta nudges engagement and initiative by at most
// ±maxProfileDelta; the store clamps the absolute bounds.
func (d *Dispatcher) applyProfileDelta(ctx context.Context, userID string, score float64) {
	if d.profiles == nil || userID == "" {
		return
	}
	profile, err := d.profiles.LoadProfile(ctx, userID)
	if err != nil {
		d.logger.Warn("profile load failed, skipping reinforcement update", "user", userID, "error", err)
		return
	}
	if profile == nil {
		profile = &store.AutonomyProfile{
			UserID:          userID,
			EngagementScore: 0.5,
			InitiativeLevel: 0.5,
		}
	}
	delta := clampDelta(score * maxProfileDelta)
	profile.EngagementScore += delta
	profile.InitiativeLevel += delta / 2
	if score < 0 {
		profile.ErrorCountToday++
	}
	profile.UpdatedAt = d.now().UTC()
	if err := d.profiles.SaveProfile(ctx, profile); err != nil {
		d.logger.Warn("profile save failed", "user", userID, "error", err)
	}
}

func clampDelta(delta float64) float64 {
	if delta > maxProfileDelta {
		return maxProfileDelta
	}
	if delta < -maxProfileDelta {
		return -maxProfileDelta
	}
	return delta
}
