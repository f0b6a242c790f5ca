package ratelimit

import (
	"strconv"
	"strings"
)

// Policy maps route names to per-window request limits. Routes without an
// explicit entry use the default. A limit of 0 disables limiting for a route.
type Policy struct {
	Default int
	Routes  map[string]int
}

func (p Policy) LimitFor(route string) int {
	if p.Routes != nil {
		if limit, ok := p.Routes[strings.ToLower(strings.TrimSpace(route))]; ok {
			return limit
		}
	}
	return p.Default
}

// ParsePolicy reads "route=limit,route=limit" overrides on top of a default,
// e.g. RATE_LIMIT_ROUTES="submit=10,register=100,vote=200".
func ParsePolicy(defaultLimit int, raw string) Policy {
	if defaultLimit <= 0 {
		defaultLimit = 100
	}
	p := Policy{Default: defaultLimit, Routes: map[string]int{}}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		route := strings.ToLower(strings.TrimSpace(kv[0]))
		limit, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if route == "" || err != nil || limit < 0 {
			continue
		}
		p.Routes[route] = limit
	}
	return p
}
