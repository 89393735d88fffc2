// SPDX-License-Identifier: MIT

// Package motiontimer implements the per-camera motion confirmation state
// machine: a pure, side-effect-free function that turns a stream of
// (motionDetected, now) samples into Confirm/End edges, applying
// minimum-duration, cooldown, and debounce rules so that a few flickering
// frames never start a recording and a burst of motion never restarts one
// mid-cooldown.
//
// State is unified into a single tagged variant rather than a set of
// independent boolean flags, so illegal combinations (e.g. "confirmed but
// also idle") are unrepresentable.
package motiontimer

import (
	"fmt"
	"time"
)

// Phase identifies which state the timer is in.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWaiting
	PhaseConfirmed
	PhaseCooldown
)

func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "waiting"
	case PhaseConfirmed:
		return "confirmed"
	case PhaseCooldown:
		return "cooldown"
	default:
		return "idle"
	}
}

// Edge is emitted when the state machine crosses a recording-relevant
// boundary.
type Edge int

const (
	// EdgeConfirm means motion has been sustained long enough to start (or
	// continue) a recording.
	EdgeConfirm Edge = iota
	// EdgeEnd means the post-roll window has elapsed with no further
	// motion; the recording should stop.
	EdgeEnd
)

func (e Edge) String() string {
	if e == EdgeEnd {
		return "end"
	}
	return "confirm"
}

// Epsilon is the tolerance applied to the motion-timeout comparison in the
// Waiting phase, to avoid flapping on scheduler jitter near that threshold.
// The minimum-duration, trigger-cooldown, post-roll and cooldown-expiry
// comparisons are exact and use no tolerance.
const Epsilon = 10 * time.Millisecond

// MinMotionDuration is the shortest sustained-motion window that can ever
// produce a Confirm edge, regardless of a shorter configured motion_timeout.
const MinMotionDuration = 100 * time.Millisecond

// Config carries the per-camera tunables that parameterize the state
// machine. All fields are durations in wall-clock time.
type Config struct {
	// MotionTimeout is how long motion must be sustained before a Confirm
	// edge fires.
	MotionTimeout time.Duration
	// PostRoll is how long to keep recording after motion last stopped,
	// before an End edge fires.
	PostRoll time.Duration
	// Cooldown is the quiet period after an End edge during which all
	// motion is ignored.
	Cooldown time.Duration
	// TriggerCooldown is the minimum interval between two consecutive
	// Confirm edges, debouncing rapid motion bursts.
	TriggerCooldown time.Duration
}

// DefaultTriggerCooldown matches spec's default debounce interval.
const DefaultTriggerCooldown = 2 * time.Second

// State is the complete, immutable snapshot of the timer between samples.
// The zero value is a valid Idle state with no prior trigger.
type State struct {
	phase           Phase
	motionStart     time.Time
	lastMotion      time.Time
	cooldownUntil   time.Time
	lastTriggerTime time.Time
	triggerSent     bool
}

// Phase reports the timer's current phase.
func (s State) Phase() Phase { return s.phase }

// TriggerSent reports whether a Confirm edge has fired since the last End
// or cooldown expiry.
func (s State) TriggerSent() bool { return s.triggerSent }

// Step advances the state machine by one sample and returns the new state
// plus any edges raised by this transition. It is pure: calling it twice
// with the same (s, now, motionDetected, cfg) always returns the same
// result, and it performs no I/O.
func Step(s State, now time.Time, motionDetected bool, cfg Config) (State, []Edge, error) {
	if now.IsZero() || now.Unix() <= 0 {
		return s, nil, fmt.Errorf("motiontimer: invalid timestamp %v", now)
	}

	switch s.phase {
	case PhaseIdle:
		return stepIdle(s, now, motionDetected)
	case PhaseWaiting:
		return stepWaiting(s, now, motionDetected, cfg)
	case PhaseConfirmed:
		return stepConfirmed(s, now, motionDetected, cfg)
	case PhaseCooldown:
		return stepCooldown(s, now, cfg)
	default:
		return s, nil, fmt.Errorf("motiontimer: unknown phase %v", s.phase)
	}
}

func stepIdle(s State, now time.Time, motionDetected bool) (State, []Edge, error) {
	if !motionDetected {
		return s, nil, nil
	}
	s.phase = PhaseWaiting
	s.motionStart = now
	return s, nil, nil
}

func stepWaiting(s State, now time.Time, motionDetected bool, cfg Config) (State, []Edge, error) {
	if !motionDetected {
		// Interrupted before confirmation; reset to Idle. The caller may
		// want to log this as a short-lived interruption when elapsed is
		// still short of the timeout, but that's an observational concern
		// outside this pure function.
		return State{}, nil, nil
	}

	elapsed := now.Sub(s.motionStart)
	triggerCooldown := cfg.TriggerCooldown
	if triggerCooldown <= 0 {
		triggerCooldown = DefaultTriggerCooldown
	}

	longEnough := elapsed >= cfg.MotionTimeout-Epsilon
	pastMinimum := elapsed >= MinMotionDuration
	debounced := now.Sub(s.lastTriggerTime) >= triggerCooldown

	if s.lastTriggerTime.IsZero() {
		debounced = true
	}

	if longEnough && pastMinimum && debounced {
		s.phase = PhaseConfirmed
		s.lastMotion = now
		s.lastTriggerTime = now
		s.triggerSent = true
		return s, []Edge{EdgeConfirm}, nil
	}

	return s, nil, nil
}

func stepConfirmed(s State, now time.Time, motionDetected bool, cfg Config) (State, []Edge, error) {
	if motionDetected {
		s.lastMotion = now
		return s, nil, nil
	}

	if now.Sub(s.lastMotion) >= cfg.PostRoll {
		cooldown := cfg.Cooldown
		s.phase = PhaseCooldown
		s.cooldownUntil = now.Add(cooldown)
		s.triggerSent = false
		return s, []Edge{EdgeEnd}, nil
	}

	return s, nil, nil
}

func stepCooldown(s State, now time.Time, cfg Config) (State, []Edge, error) {
	_ = cfg
	if !now.Before(s.cooldownUntil) {
		return State{lastTriggerTime: s.lastTriggerTime}, nil, nil
	}
	return s, nil, nil
}
