package serviceconfig

import "time"

// LBConfig is one entry in the ordered list of load-balancing configs
// carried by a ServiceConfig. The first entry whose Name resolves to a
// known balancer factory wins (spec.md §4.7).
type LBConfig struct {
	// Name is a policy key such as "pick_first" or "round_robin".
	Name string

	// Raw is the policy-specific config blob (e.g. a parsed round_robin
	// weight table). Balancers that need it type-assert Raw themselves;
	// this core's built-in balancers ignore it.
	Raw any
}

// RetryPolicy configures RetryCall for a method.
type RetryPolicy struct {
	MaxAttempts          int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	BackoffMultiplier    float64
	RetryableStatusCodes map[Code]bool
}

// IsRetryable reports whether code is in the policy's retryable set.
func (p *RetryPolicy) IsRetryable(code Code) bool {
	if p == nil {
		return false
	}
	return p.RetryableStatusCodes[code]
}

// HedgingPolicy configures HedgingCall for a method.
type HedgingPolicy struct {
	MaxAttempts        int
	HedgingDelay       time.Duration
	NonFatalStatusCodes map[Code]bool
}

// IsNonFatal reports whether code is in the policy's non-fatal set.
func (p *HedgingPolicy) IsNonFatal(code Code) bool {
	if p == nil {
		return false
	}
	return p.NonFatalStatusCodes[code]
}

// MethodConfig bundles a method's resilience policy. At most one of
// RetryPolicy and HedgingPolicy is set, per gRPC service-config semantics.
type MethodConfig struct {
	RetryPolicy   *RetryPolicy
	HedgingPolicy *HedgingPolicy
}

// ServiceConfig is the effective, already-selected configuration a channel
// operates under: the load-balancing policy chain plus per-method
// resilience policies. Real gRPC service config arrives as JSON from the
// resolver; parsing that wire format is out of scope here (spec.md §1) —
// resolvers in this module construct ServiceConfig values directly.
type ServiceConfig struct {
	// LBConfigs is tried in order; the first name a registered factory
	// recognizes is used (spec.md §4.7).
	LBConfigs []LBConfig

	// MethodConfigs maps a fully qualified method name ("/pkg.Svc/Method")
	// to its policy. DefaultMethodConfig applies to methods absent from
	// this map.
	MethodConfigs map[string]MethodConfig

	// DefaultMethodConfig applies when no entry in MethodConfigs matches.
	DefaultMethodConfig MethodConfig
}

// MethodConfigFor returns the effective MethodConfig for method, falling
// back to DefaultMethodConfig.
func (sc *ServiceConfig) MethodConfigFor(method string) MethodConfig {
	if sc == nil {
		return MethodConfig{}
	}
	if mc, ok := sc.MethodConfigs[method]; ok {
		return mc
	}
	return sc.DefaultMethodConfig
}

// Empty returns the default service config used when a resolver result
// carries none (spec.md §4.7, case "no config at all").
func Empty() *ServiceConfig {
	return &ServiceConfig{MethodConfigs: map[string]MethodConfig{}}
}
