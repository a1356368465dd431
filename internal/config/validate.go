package config

import (
	"fmt"
	"time"
)

// Issue is one structured validation finding: the dot-path of the offending
// field plus a human-readable message.
type Issue struct {
	Path    string
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}

// Validate checks config shape and returns every problem found. It never
// consults external catalogs; catalog-membership checks live with the writes
// that need them.
func Validate(cfg *Config) []Issue {
	var issues []Issue

	if !logLevels[cfg.LogLevel] {
		issues = append(issues, Issue{"log_level", fmt.Sprintf("unknown level %q", cfg.LogLevel)})
	}
	if cfg.MaxConcurrent < 1 {
		issues = append(issues, Issue{"max_concurrent", "must be at least 1"})
	}
	if cfg.DefaultAgent == "" {
		issues = append(issues, Issue{"default_agent", "required"})
	} else if cfg.Agent(cfg.DefaultAgent) == nil {
		issues = append(issues, Issue{"default_agent", fmt.Sprintf("agent %q not declared in agents", cfg.DefaultAgent)})
	}
	if len(cfg.Agents) == 0 {
		issues = append(issues, Issue{"agents", "at least one agent required"})
	}
	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		path := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			issues = append(issues, Issue{path + ".id", "required"})
			continue
		}
		if seen[a.ID] {
			issues = append(issues, Issue{path + ".id", fmt.Sprintf("duplicate agent id %q", a.ID)})
		}
		seen[a.ID] = true
		issues = append(issues, checkDuration(path+".heartbeat", a.Heartbeat, true)...)
		issues = append(issues, checkDuration(path+".turn_timeout", a.TurnTimeout, false)...)
	}
	issues = append(issues, checkDuration("heartbeat.interval", cfg.Heartbeat.Interval, true)...)
	issues = append(issues, checkDuration("gateway.turn_timeout", cfg.Gateway.TurnTimeout, false)...)
	issues = append(issues, checkDuration("gateway.usage_cache_ttl", cfg.Gateway.UsageCacheTTL, false)...)
	if cfg.Session.Store == "" {
		issues = append(issues, Issue{"session.store", "required"})
	}
	if cfg.Gateway.Listen == "" {
		issues = append(issues, Issue{"gateway.listen", "required"})
	}
	return issues
}

// checkDuration validates a duration string. allowZero admits "" and "0",
// which mean "disabled" for heartbeat fields.
func checkDuration(path, raw string, allowZero bool) []Issue {
	if raw == "" || (allowZero && raw == "0") {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return []Issue{{path, fmt.Sprintf("invalid duration %q", raw)}}
	}
	if d < 0 {
		return []Issue{{path, "must not be negative"}}
	}
	return nil
}
