// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package governor

import (
	"fmt"
)

var sourceTags = map[string]string{
	SourceSite:      "🌐",
	SourceQBAPI:     "📡",
	SourceEstimated: "⏱",
	SourceCached:    "💾",
}

func sourceTag(source string) string {
	if tag, ok := sourceTags[source]; ok {
		return tag
	}
	return "❓"
}

// computeLimit produces the upload cap in bytes per second for the current
// tick, or -1 for uncapped, together with a compact reason string for logs
// and the management surface.
func computeLimit(state *torrentState, currentUploaded int64, now, timeLeft float64) (int64, string) {
	phase := phaseFor(timeLeft, state.cycleSynced)
	state.pid.setPhase(phase)

	elapsed := now - state.cycleStart
	totalCycleTime := elapsed + timeLeft
	targetTotal := float64(state.targetSpeed) * totalCycleTime
	cycleUploaded := float64(state.cycleUploaded(currentUploaded))
	needUpload := maxFloat(0, targetTotal-cycleUploaded)
	progress := safeDiv(cycleUploaded, targetTotal, 0)

	if timeLeft <= 0 {
		return -1, "汇报中"
	}

	requiredSpeed := needUpload / timeLeft
	pidOutput := state.pid.update(targetTotal, cycleUploaded, now)
	headroom := gainsFor(phase).headroom

	srcTag := sourceTag(state.reannounceSource)

	var limit int64
	var reason string

	switch phase {
	case PhaseFinish:
		predictedRatio := safeDiv(cycleUploaded+state.kalman.predictUpload(timeLeft), targetTotal, 0)
		correction := 1.0
		if predictedRatio > 1.002 {
			correction = maxFloat(0.8, 1-(predictedRatio-1)*3)
		} else if predictedRatio < 0.998 {
			correction = minFloat(1.2, 1+(1-predictedRatio)*3)
		}
		limit = int64(requiredSpeed * pidOutput * correction)
		reason = fmt.Sprintf("F:%dK%s", int64(requiredSpeed/1024), srcTag)

	case PhaseSteady:
		limit = int64(requiredSpeed * headroom * pidOutput)
		reason = fmt.Sprintf("S:%dK%s", int64(requiredSpeed/1024), srcTag)

	case PhaseCatch:
		if requiredSpeed > float64(state.targetSpeed)*5 {
			return -1, fmt.Sprintf("C:欠速%s", srcTag)
		}
		limit = int64(requiredSpeed * headroom * pidOutput)
		reason = fmt.Sprintf("C:%dK%s", int64(requiredSpeed/1024), srcTag)

	default:
		switch {
		case progress >= 1.0:
			limit = minLimit
			reason = fmt.Sprintf("W:超%d%%%s", int64((progress-1)*100), srcTag)
		case progress >= 0.8:
			limit = int64(requiredSpeed * 1.01 * pidOutput)
			reason = fmt.Sprintf("W:精控%s", srcTag)
		case progress >= 0.5:
			limit = int64(requiredSpeed * 1.05)
			reason = fmt.Sprintf("W:温控%s", srcTag)
		default:
			return -1, fmt.Sprintf("W:预热%s", srcTag)
		}
	}

	// A cap of zero means "unlimited" to the client API; an over-quota
	// torrent gets the floor instead.
	limit = roundLimit(clampInt64(limit, minLimit, maxLimit), phase)

	return limit, reason
}

// roundLimit rounds half-up to the step for the phase. The finish phase uses
// a finer step so the last seconds of a cycle can be trimmed precisely.
func roundLimit(limit int64, phase Phase) int64 {
	step := int64(4096)
	if phase == PhaseFinish {
		step = 1024
	}
	return (limit + step/2) / step * step
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
