// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package governor implements the precision upload-rate controller. Each
// torrent is driven through its announce cycle by a phase-switched PID
// controller paired with a Kalman speed filter, so the uploaded total lands
// on the per-cycle target right as the client reannounces.
package governor

// Phase names the stage of an announce cycle. Gains get more aggressive as
// the announce deadline approaches.
type Phase string

const (
	PhaseWarmup Phase = "warmup"
	PhaseCatch  Phase = "catch"
	PhaseSteady Phase = "steady"
	PhaseFinish Phase = "finish"
)

const (
	finishTime = 30
	steadyTime = 120

	minLimit = 4096
	maxLimit = 500 * 1024 * 1024
)

type pidGains struct {
	kp       float64
	ki       float64
	kd       float64
	headroom float64
}

var pidParams = map[Phase]pidGains{
	PhaseWarmup: {kp: 0.3, ki: 0.05, kd: 0.02, headroom: 1.03},
	PhaseCatch:  {kp: 0.5, ki: 0.10, kd: 0.05, headroom: 1.02},
	PhaseSteady: {kp: 0.6, ki: 0.15, kd: 0.08, headroom: 1.005},
	PhaseFinish: {kp: 0.8, ki: 0.20, kd: 0.12, headroom: 1.001},
}

func gainsFor(phase Phase) pidGains {
	if g, ok := pidParams[phase]; ok {
		return g
	}
	return pidParams[PhaseCatch]
}

// phaseFor maps the seconds until the next announce to a control phase. An
// unsynced cycle is always warmup regardless of the countdown.
func phaseFor(timeLeft float64, cycleSynced bool) Phase {
	if !cycleSynced {
		return PhaseWarmup
	}
	if timeLeft <= finishTime {
		return PhaseFinish
	}
	if timeLeft <= steadyTime {
		return PhaseSteady
	}
	return PhaseCatch
}

// pidController tracks a normalized upload error across control ticks. The
// output is a multiplier around 1.0 applied to the required speed.
type pidController struct {
	integral  float64
	lastError float64
	lastTime  float64
	phase     Phase
}

func newPIDController() *pidController {
	return &pidController{phase: PhaseWarmup}
}

// setPhase switches the gain set. The integral is halved on a phase change so
// accumulated error from the previous regime does not overshoot the new one.
func (p *pidController) setPhase(phase Phase) {
	if phase != p.phase {
		p.integral *= 0.5
		p.phase = phase
	}
}

func (p *pidController) update(target, actual, now float64) float64 {
	g := gainsFor(p.phase)

	err := safeDiv(target-actual, maxFloat(target, 1), 0)

	dt := 1.0
	if p.lastTime > 0 {
		dt = now - p.lastTime
	}
	p.lastTime = now

	p.integral = clamp(p.integral+err*dt, -0.5, 0.5)

	derivative := 0.0
	if dt > 0 {
		derivative = (err - p.lastError) / dt
	}
	p.lastError = err

	output := 1.0 + g.kp*err + g.ki*p.integral + g.kd*derivative
	return clamp(output, 0.3, 3.0)
}

func (p *pidController) reset() {
	p.integral = 0
	p.lastError = 0
	p.lastTime = 0
}

func safeDiv(a, b, fallback float64) float64 {
	if b == 0 || (b > -1e-10 && b < 1e-10) {
		return fallback
	}
	return a / b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
