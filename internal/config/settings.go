package config

import (
	"fmt"
	"runtime"
	"time"
)

// Settings holds run settings from one source. A nil field is unset, so
// sources can be layered with Override.
type Settings struct {
	MaxConcurrency      *int
	RetryLimit          *int
	StageTimeoutSeconds *int
	CancelGraceSeconds  *int
	GPUSlots            *int
	MaxMemoryMB         *int
}

// Override returns s with every field that is set in o replaced.
func (s Settings) Override(o Settings) Settings {
	pick := func(dst **int, src *int) {
		if src != nil {
			v := *src
			*dst = &v
		}
	}
	pick(&s.MaxConcurrency, o.MaxConcurrency)
	pick(&s.RetryLimit, o.RetryLimit)
	pick(&s.StageTimeoutSeconds, o.StageTimeoutSeconds)
	pick(&s.CancelGraceSeconds, o.CancelGraceSeconds)
	pick(&s.GPUSlots, o.GPUSlots)
	pick(&s.MaxMemoryMB, o.MaxMemoryMB)
	return s
}

// Resolved is a complete set of run settings.
type Resolved struct {
	MaxConcurrency int
	RetryLimit     int
	StageTimeout   time.Duration
	CancelGrace    time.Duration
	GPUSlots       int
	MaxMemoryMB    int
}

// Default values for unset settings.
const (
	DefaultRetryLimit         = 1
	DefaultCancelGraceSeconds = 10
)

// Resolve applies defaults to unset fields and validates the result.
func (s Settings) Resolve() (Resolved, error) {
	r := Resolved{
		MaxConcurrency: runtime.NumCPU(),
		RetryLimit:     DefaultRetryLimit,
		CancelGrace:    DefaultCancelGraceSeconds * time.Second,
	}
	if s.MaxConcurrency != nil {
		if *s.MaxConcurrency < 1 {
			return Resolved{}, fmt.Errorf("maxConcurrency must be at least 1, got %d", *s.MaxConcurrency)
		}
		r.MaxConcurrency = *s.MaxConcurrency
	}
	if s.RetryLimit != nil {
		if *s.RetryLimit < 1 {
			return Resolved{}, fmt.Errorf("retryLimit must be at least 1, got %d", *s.RetryLimit)
		}
		r.RetryLimit = *s.RetryLimit
	}
	for _, f := range []struct {
		name string
		v    *int
	}{
		{"stageTimeoutSeconds", s.StageTimeoutSeconds},
		{"cancelGraceSeconds", s.CancelGraceSeconds},
		{"gpuSlots", s.GPUSlots},
		{"maxMemoryMB", s.MaxMemoryMB},
	} {
		if f.v != nil && *f.v < 0 {
			return Resolved{}, fmt.Errorf("%s must not be negative, got %d", f.name, *f.v)
		}
	}
	if s.StageTimeoutSeconds != nil {
		r.StageTimeout = time.Duration(*s.StageTimeoutSeconds) * time.Second
	}
	if s.CancelGraceSeconds != nil {
		r.CancelGrace = time.Duration(*s.CancelGraceSeconds) * time.Second
	}
	if s.GPUSlots != nil {
		r.GPUSlots = *s.GPUSlots
	}
	if s.MaxMemoryMB != nil {
		r.MaxMemoryMB = *s.MaxMemoryMB
	}
	return r, nil
}

// Int returns a pointer to v, for building Settings literals.
func Int(v int) *int { return &v }
