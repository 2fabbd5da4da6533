package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/riskwatch/hazard-alerts/internal/dispatch"
	"github.com/riskwatch/hazard-alerts/internal/models"
	"github.com/riskwatch/hazard-alerts/internal/policy"
)

// HazardPolicy holds the threshold parameters for one hazard type.
type HazardPolicy struct {
	High            float64       `koanf:"high"`
	Low             float64       `koanf:"low"`
	ConsecutiveHigh int           `koanf:"consecutive_high"`
	ConsecutiveLow  int           `koanf:"consecutive_low"`
	Cooldown        time.Duration `koanf:"cooldown"`
}

type DispatchPolicy struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BackoffBase time.Duration `koanf:"backoff_base"`
	BackoffCap  time.Duration `koanf:"backoff_cap"`
	SendTimeout time.Duration `koanf:"send_timeout"`
}

// Policy is the operator-tunable half of the configuration: thresholds,
// recipients, and retry bounds. Loaded from YAML with HAZARD_-prefixed env
// overrides layered on top.
type Policy struct {
	Hazards            map[string]HazardPolicy `koanf:"hazards"`
	Recipients         map[string][]string     `koanf:"recipients"`
	LocationRecipients map[string][]string     `koanf:"location_recipients"`
	Dispatch           DispatchPolicy          `koanf:"dispatch"`
	CASRetries         int                     `koanf:"cas_retries"`
}

// DefaultPolicy returns the default parameters. The hysteresis and cooldown
// values are a starting policy and should be tuned per deployment.
func DefaultPolicy() *Policy {
	hazard := HazardPolicy{
		High:            0.8,
		Low:             0.4,
		ConsecutiveHigh: 3,
		ConsecutiveLow:  2,
		Cooldown:        time.Hour,
	}
	return &Policy{
		Hazards: map[string]HazardPolicy{
			"earthquake": hazard,
			"flood":      hazard,
		},
		Recipients:         map[string][]string{},
		LocationRecipients: map[string][]string{},
		Dispatch: DispatchPolicy{
			MaxAttempts: 5,
			BackoffBase: 500 * time.Millisecond,
			BackoffCap:  30 * time.Second,
			SendTimeout: 10 * time.Second,
		},
		CASRetries: 3,
	}
}

// LoadPolicy layers, in order of precedence: defaults, the YAML file at path
// (if non-empty), then HAZARD_-prefixed environment variables.
func LoadPolicy(path string) (*Policy, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading policy file: %w", err)
		}
	}

	envProvider := env.Provider("HAZARD_", ".", func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, "hazard_")
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("error loading policy env overrides: %w", err)
	}

	cfg := *DefaultPolicy()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("error unmarshaling policy: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (p *Policy) validate() error {
	if len(p.Hazards) == 0 {
		return fmt.Errorf("no hazard policies configured")
	}
	for name, h := range p.Hazards {
		if _, err := models.ParseHazardType(name); err != nil {
			return fmt.Errorf("policy for %q: %w", name, err)
		}
		if h.Low >= h.High {
			return fmt.Errorf("policy for %q: low threshold %v must be below high threshold %v", name, h.Low, h.High)
		}
		if h.High > 1 || h.Low < 0 {
			return fmt.Errorf("policy for %q: thresholds must lie within [0,1]", name)
		}
		if h.ConsecutiveHigh < 1 || h.ConsecutiveLow < 1 {
			return fmt.Errorf("policy for %q: consecutive counts must be at least 1", name)
		}
		if h.Cooldown <= 0 {
			return fmt.Errorf("policy for %q: cooldown must be positive", name)
		}
	}
	for name := range p.Recipients {
		if _, err := models.ParseHazardType(name); err != nil {
			return fmt.Errorf("recipients for %q: %w", name, err)
		}
	}
	if p.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch max attempts must be at least 1")
	}
	if p.CASRetries < 1 {
		return fmt.Errorf("cas retries must be at least 1")
	}
	return nil
}

// Thresholds converts the hazard policies to the policy engine's form.
func (p *Policy) Thresholds() map[models.HazardType]policy.Thresholds {
	out := make(map[models.HazardType]policy.Thresholds, len(p.Hazards))
	for name, h := range p.Hazards {
		hazard, _ := models.ParseHazardType(name)
		out[hazard] = policy.Thresholds{
			High:            h.High,
			Low:             h.Low,
			ConsecutiveHigh: h.ConsecutiveHigh,
			ConsecutiveLow:  h.ConsecutiveLow,
			Cooldown:        h.Cooldown,
		}
	}
	return out
}

// DispatchRecipients converts the recipient maps to the dispatcher's form.
func (p *Policy) DispatchRecipients() dispatch.Recipients {
	byHazard := make(map[models.HazardType][]string, len(p.Recipients))
	for name, rcpts := range p.Recipients {
		hazard, _ := models.ParseHazardType(name)
		byHazard[hazard] = rcpts
	}
	return dispatch.Recipients{
		ByHazard:   byHazard,
		ByLocation: p.LocationRecipients,
	}
}

// DispatchConfig converts the dispatch bounds to the dispatcher's form.
func (p *Policy) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		MaxAttempts: p.Dispatch.MaxAttempts,
		BackoffBase: p.Dispatch.BackoffBase,
		BackoffCap:  p.Dispatch.BackoffCap,
		SendTimeout: p.Dispatch.SendTimeout,
	}
}
