// Package loadbalance picks the endpoint an invocation is sent to.
//
// Endpoint lists live in a versioned Cache, one Group per (application, microservice,
// version rule). Discovery pushes new snapshots into the cache; the consumer chain only
// ever reads the latest snapshot and never waits for discovery.
//
// Two strategies are implemented:
//   - RoundRobin:    a per-group counter, every endpoint gets the same share of calls
//   - SessionSticky: a consistent-hash ring keyed by an invocation context entry
package loadbalance

import (
	"hiway-rpc/invocation"
)

// GroupKey identifies an endpoint group.
type GroupKey struct {
	AppID        string
	Microservice string
	VersionRule  string
}

// KeyOf returns the group an invocation is addressed to.
func KeyOf(inv *invocation.Invocation) GroupKey {
	return GroupKey{AppID: inv.AppID, Microservice: inv.Microservice, VersionRule: inv.VersionRule}
}

func (k GroupKey) String() string {
	return k.AppID + "/" + k.Microservice + "@" + k.VersionRule
}

// Group is an immutable snapshot of the endpoints of a group. Revision grows with
// every accepted update.
type Group struct {
	Key       GroupKey
	Revision  int64
	Endpoints []invocation.Endpoint
}

// ByTransport returns the endpoints reachable over transport. The result must not be
// modified.
func (g *Group) ByTransport(transport string) []invocation.Endpoint {
	if g == nil {
		return nil
	}
	all := true
	for _, ep := range g.Endpoints {
		if ep.Transport != transport {
			all = false
			break
		}
	}
	if all {
		return g.Endpoints
	}
	var matched []invocation.Endpoint
	for _, ep := range g.Endpoints {
		if ep.Transport == transport {
			matched = append(matched, ep)
		}
	}
	return matched
}

// Strategy selects one of candidates for inv. candidates is never empty and is the
// transport-filtered view of group. Implementations must be safe for concurrent use.
type Strategy interface {
	Select(group *Group, candidates []invocation.Endpoint, inv *invocation.Invocation) invocation.Endpoint

	// Name returns the strategy name used in configuration and logs.
	Name() string
}
