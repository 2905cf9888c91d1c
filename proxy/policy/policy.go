// Copyright (c) 2024 the ZDT-D authors.
//
// Package policy implements the traffic policy engine:
// TRAFFIC_RULES is a JSON list of {when, action, log} rules, evaluated in
// order, first match wins.
package policy

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/GAME-OVER-op/ZDT-D/proxy/xlog"
)

// Action is the decision a matching rule (or the default) produces.
type Action string

const (
	ActionSocks  Action = "socks"
	ActionDirect Action = "direct"
	ActionDrop   Action = "drop"
	ActionReset  Action = "reset"
	ActionWait   Action = "wait"
)

func validAction(a Action) bool {
	switch a {
	case ActionSocks, ActionDirect, ActionDrop, ActionReset, ActionWait:
		return true
	default:
		return false
	}
}

// When is the raw, JSON-decoded match criteria of one rule.
type When struct {
	Proto           *string `json:"proto,omitempty"`
	Port            *int    `json:"port,omitempty"`
	PortRange       *string `json:"port_range,omitempty"`
	HostRegex       *string `json:"host_regex,omitempty"`
	IsUDP           *bool   `json:"is_udp,omitempty"`
	SocksAvailable  *bool   `json:"socks_available,omitempty"`
}

// rawRule is the wire shape of one TRAFFIC_RULES entry.
type rawRule struct {
	When   When   `json:"when"`
	Action string `json:"action"`
	Log    bool   `json:"log"`
}

// Rule is a compiled rule: the host_regex (if any) is pre-compiled so
// Evaluate never compiles on the hot path.
type Rule struct {
	when   When
	action Action
	log    bool
	lo, hi int
	hasRange bool
	re     *regexp.Regexp
}

// Action returns the rule's action.
func (r Rule) Action() Action { return r.action }

// Log reports whether this rule requested verbose logging on match.
func (r Rule) Log() bool { return r.log }

// ParseRules decodes TRAFFIC_RULES. An empty or invalid string yields an
// empty rule set (default behavior applies) rather than an error exposed
// to callers that don't care; the error return lets config.go log it.
func ParseRules(raw string) ([]Rule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var asList []rawRule
	if err := json.Unmarshal([]byte(raw), &asList); err != nil {
		// tolerate {"rules": [...]}
		var wrapped struct {
			Rules []rawRule `json:"rules"`
		}
		if err2 := json.Unmarshal([]byte(raw), &wrapped); err2 != nil {
			return nil, err
		}
		asList = wrapped.Rules
	}

	rules := make([]Rule, 0, len(asList))
	for _, rr := range asList {
		a := Action(strings.ToLower(strings.TrimSpace(rr.Action)))
		if !validAction(a) {
			continue
		}
		rule := Rule{when: rr.When, action: a, log: rr.Log}
		if rr.When.PortRange != nil {
			lo, hi, ok := parseRange(*rr.When.PortRange)
			if ok {
				rule.lo, rule.hi, rule.hasRange = lo, hi, true
			}
		}
		if rr.When.HostRegex != nil {
			re, err := regexp.Compile("(?i)" + *rr.When.HostRegex)
			if err != nil {
				xlog.W("policy: bad host_regex %q: %v", *rr.When.HostRegex, err)
			} else {
				rule.re = re
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseRange(s string) (lo, hi int, ok bool) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	b, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return a, b, true
}

// Flow is the per-flow input to Evaluate.
type Flow struct {
	Proto          string // "http", "https", "dns", "other", or "any"
	Host           string
	Port           int
	IsUDP          bool
	SocksAvailable bool
}

func (r Rule) matches(f Flow) bool {
	if r.when.Proto != nil {
		p := strings.ToLower(*r.when.Proto)
		if p != "any" && p != strings.ToLower(f.Proto) {
			return false
		}
	}
	if r.when.IsUDP != nil && *r.when.IsUDP != f.IsUDP {
		return false
	}
	if r.when.SocksAvailable != nil && *r.when.SocksAvailable != f.SocksAvailable {
		return false
	}
	if r.when.Port != nil && *r.when.Port != f.Port {
		return false
	}
	if r.hasRange && !(r.lo <= f.Port && f.Port <= r.hi) {
		return false
	}
	if r.re != nil && !r.re.MatchString(f.Host) {
		return false
	}
	return true
}

// Evaluate walks rules in order; the first match's action wins. When no
// rule matches, it returns ("", false) so the caller applies its own
// default (pool-gated SOCKS, else ALL_SOCKS_DOWN_POLICY).
func Evaluate(rules []Rule, f Flow) (Action, bool) {
	for _, r := range rules {
		if r.matches(f) {
			if r.log {
				xlog.I("policy: matched rule action=%s flow=%+v", r.action, f)
			}
			return r.action, true
		}
	}
	return "", false
}
