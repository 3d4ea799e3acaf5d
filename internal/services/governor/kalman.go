// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package governor

// kalmanFilter smooths the noisy per-tick upload speed with a constant
// acceleration model so the finish phase can predict how many bytes the
// torrent will still push before the announce fires.
type kalmanFilter struct {
	speed        float64
	acceleration float64
	pSpeed       float64
	pAccel       float64
	lastTime     float64

	qSpeed float64
	qAccel float64
	r      float64
}

func newKalmanFilter() *kalmanFilter {
	return &kalmanFilter{
		pSpeed: 1,
		pAccel: 1,
		qSpeed: 0.1,
		qAccel: 0.05,
		r:      0.5,
	}
}

func (k *kalmanFilter) update(measuredSpeed, now float64) {
	if k.lastTime <= 0 {
		k.speed = measuredSpeed
		k.lastTime = now
		return
	}

	dt := now - k.lastTime
	if dt <= 0 {
		return
	}
	k.lastTime = now

	predictedSpeed := k.speed + k.acceleration*dt
	k.pSpeed += k.qSpeed + k.pAccel*dt*dt
	k.pAccel += k.qAccel

	innovation := measuredSpeed - predictedSpeed
	gain := k.pSpeed / (k.pSpeed + k.r)

	k.speed = predictedSpeed + gain*innovation
	k.acceleration += 0.1 * innovation / dt
	k.pSpeed *= 1 - gain
}

// predictUpload extrapolates the bytes uploaded over the next timeLeft
// seconds at the filtered speed and acceleration.
func (k *kalmanFilter) predictUpload(timeLeft float64) float64 {
	return k.speed*timeLeft + 0.5*k.acceleration*timeLeft*timeLeft
}

func (k *kalmanFilter) reset() {
	k.speed = 0
	k.acceleration = 0
	k.pSpeed = 1
	k.pAccel = 1
	k.lastTime = 0
}
