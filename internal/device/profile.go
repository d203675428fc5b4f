// Package device classifies the runtime environment as resource-constrained
// or not. Detection is a pure function of observed signals plus a persisted
// override; the result is applied process-wide exactly once and broadcast so
// other components can branch on capability.
package device

import (
	"os"
	"runtime"
	"strconv"
	"sync"
)

// Classification thresholds.
const (
	memoryThresholdGB    = 2  // at or below → lowMemory
	cpuCoreThreshold     = 4  // at or below → lowCPU
	legacyPlatformCutoff = 10 // platform major version below → legacyPlatform
)

// Override is the persisted user override for the low-end classification.
type Override int

const (
	OverrideNone Override = iota // auto-detect
	OverrideOn                   // force low-end
	OverrideOff                  // force full profile
)

// ParseOverride maps the persisted override value to an Override.
// "1" forces low-end on, "0" forces it off, anything else means auto.
func ParseOverride(s string) Override {
	switch s {
	case "1":
		return OverrideOn
	case "0":
		return OverrideOff
	default:
		return OverrideNone
	}
}

// Signals holds the raw environment readings Detect classifies.
type Signals struct {
	MemoryGB         float64 `json:"memory_gb"`
	CPUCores         int     `json:"cpu_cores"`
	EffectiveType    string  `json:"effective_type"` // "slow-2g", "2g", "3g", "4g", ""
	SaveData         bool    `json:"save_data"`
	ReducedMotion    bool    `json:"reduced_motion"`
	ViewportWidth    int     `json:"viewport_width"`
	PlatformVersion  int     `json:"platform_version"` // major version; 0 = unknown
	HasRealtimeMedia bool    `json:"has_realtime_media"`
}

// Profile is the computed device classification plus the raw signals it was
// derived from.
type Profile struct {
	LowEnd           bool    `json:"low_end"`
	LowMemory        bool    `json:"low_memory"`
	LowCPU           bool    `json:"low_cpu"`
	SlowNet          bool    `json:"slow_net"`
	ReducedMotion    bool    `json:"reduced_motion"`
	LegacyPlatform   bool    `json:"legacy_platform"`
	HasRealtimeMedia bool    `json:"has_realtime_media"`
	Forced           bool    `json:"forced"` // true when an override decided LowEnd
	Signals          Signals `json:"signals"`
}

// Detect classifies sig into a Profile. Pure — same inputs, same output.
// The sub-flags are always computed from the signals; an explicit override
// only forces the final LowEnd result.
func Detect(sig Signals, ov Override) Profile {
	p := Profile{
		LowMemory:        sig.MemoryGB > 0 && sig.MemoryGB <= memoryThresholdGB,
		LowCPU:           sig.CPUCores > 0 && sig.CPUCores <= cpuCoreThreshold,
		SlowNet:          slowNet(sig),
		ReducedMotion:    sig.ReducedMotion,
		LegacyPlatform:   sig.PlatformVersion > 0 && sig.PlatformVersion < legacyPlatformCutoff,
		HasRealtimeMedia: sig.HasRealtimeMedia,
		Signals:          sig,
	}
	p.LowEnd = p.LowMemory || p.LowCPU || p.SlowNet || p.ReducedMotion || p.LegacyPlatform

	switch ov {
	case OverrideOn:
		p.LowEnd = true
		p.Forced = true
	case OverrideOff:
		p.LowEnd = false
		p.Forced = true
	}
	return p
}

func slowNet(sig Signals) bool {
	if sig.SaveData {
		return true
	}
	switch sig.EffectiveType {
	case "slow-2g", "2g", "3g":
		return true
	}
	return false
}

// Collect reads signals from the local environment. Core count comes from the
// runtime; the signals a headless agent cannot observe directly are read from
// UPLINK_* environment variables so deployments can report them.
func Collect() Signals {
	return Signals{
		MemoryGB:         envFloat("UPLINK_MEMORY_GB"),
		CPUCores:         runtime.NumCPU(),
		EffectiveType:    os.Getenv("UPLINK_NET_TYPE"),
		SaveData:         envBool("UPLINK_SAVE_DATA"),
		ReducedMotion:    envBool("UPLINK_REDUCED_MOTION"),
		ViewportWidth:    envInt("UPLINK_VIEWPORT_WIDTH"),
		PlatformVersion:  envInt("UPLINK_PLATFORM_VERSION"),
		HasRealtimeMedia: !envBool("UPLINK_NO_REALTIME_MEDIA"),
	}
}

func envFloat(key string) float64 {
	v, _ := strconv.ParseFloat(os.Getenv(key), 64)
	return v
}

func envInt(key string) int {
	v, _ := strconv.Atoi(os.Getenv(key))
	return v
}

func envBool(key string) bool {
	return os.Getenv(key) == "1" || os.Getenv(key) == "true"
}

// Applier owns the process-wide profile state. Apply broadcasts the profile
// exactly once; later calls update nothing and broadcast nothing, so callers
// may invoke it from multiple startup paths without duplicate side effects.
type Applier struct {
	mu      sync.Mutex
	applied bool
	current Profile
	publish func(Profile)
}

// NewApplier creates an Applier that broadcasts via publish. A nil publish is
// allowed; Apply then only records the profile.
func NewApplier(publish func(Profile)) *Applier {
	return &Applier{publish: publish}
}

// Apply records and broadcasts the profile. Idempotent: only the first call
// has observable effect.
func (a *Applier) Apply(p Profile) {
	a.mu.Lock()
	if a.applied {
		a.mu.Unlock()
		return
	}
	a.applied = true
	a.current = p
	publish := a.publish
	a.mu.Unlock()

	if publish != nil {
		publish(p)
	}
}

// Current returns the applied profile, and false if Apply has not run yet.
func (a *Applier) Current() (Profile, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.applied
}
