package registry

import (
	"sort"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/pkg/errors"
)

type ruleKind int

const (
	ruleAll ruleKind = iota
	ruleLatest
	ruleAtLeast
	ruleRange
	ruleExact
)

// VersionRule selects the instances a consumer may call:
//
//	""  or "0.0.0+"   every version
//	"latest"          only the highest registered version
//	"1.2.0+"          1.2.0 and above
//	"1.0.0-2.0.0"     from 1.0.0 up to, not including, 2.0.0
//	"1.2.3"           exactly 1.2.3
//
// Versions with fewer than three parts are padded with zeros.
type VersionRule struct {
	raw      string
	kind     ruleKind
	from, to semver.Version
}

// ParseVersionRule parses "latest", an exact version, "x.y.z+" or "x.y.z-a.b.c".
// An empty rule accepts every version.
func ParseVersionRule(rule string) (VersionRule, error) {
	r := VersionRule{raw: rule}
	rule = strings.TrimSpace(rule)

	switch {
	case rule == "" || rule == "0.0.0+":
		r.kind = ruleAll
	case rule == "latest":
		r.kind = ruleLatest
	case strings.HasSuffix(rule, "+"):
		v, err := parseVersion(strings.TrimSuffix(rule, "+"))
		if err != nil {
			return r, errors.Wrapf(err, "version rule %q", rule)
		}
		r.kind, r.from = ruleAtLeast, v
	case strings.Contains(rule, "-"):
		parts := strings.SplitN(rule, "-", 2)
		from, err := parseVersion(parts[0])
		if err != nil {
			return r, errors.Wrapf(err, "version rule %q", rule)
		}
		to, err := parseVersion(parts[1])
		if err != nil {
			return r, errors.Wrapf(err, "version rule %q", rule)
		}
		if !from.LessThan(to) {
			return r, errors.Errorf("version rule %q: empty range", rule)
		}
		r.kind, r.from, r.to = ruleRange, from, to
	default:
		v, err := parseVersion(rule)
		if err != nil {
			return r, errors.Wrapf(err, "version rule %q", rule)
		}
		r.kind, r.from = ruleExact, v
	}
	return r, nil
}

func (r VersionRule) String() string { return r.raw }

// Match reports whether a single version satisfies the rule. "latest" needs the whole
// instance list and is only meaningful through Filter.
func (r VersionRule) Match(version string) bool {
	v, err := parseVersion(version)
	if err != nil {
		return r.kind == ruleAll
	}
	switch r.kind {
	case ruleAtLeast:
		return !v.LessThan(r.from)
	case ruleRange:
		return !v.LessThan(r.from) && v.LessThan(r.to)
	case ruleExact:
		return v.Equal(r.from)
	}
	return true
}

// Filter returns the instances the rule selects, in their original order.
func (r VersionRule) Filter(instances []Instance) []Instance {
	if r.kind == ruleLatest {
		return latest(instances)
	}
	var out []Instance
	for _, inst := range instances {
		if r.Match(inst.Version) {
			out = append(out, inst)
		}
	}
	return out
}

func latest(instances []Instance) []Instance {
	var versions []semver.Version
	for _, inst := range instances {
		if v, err := parseVersion(inst.Version); err == nil {
			versions = append(versions, v)
		}
	}
	if len(versions) == 0 {
		return nil
	}
	sort.Slice(versions, func(i, j int) bool { return versions[j].LessThan(versions[i]) })
	top := versions[0]

	var out []Instance
	for _, inst := range instances {
		if v, err := parseVersion(inst.Version); err == nil && v.Equal(top) {
			out = append(out, inst)
		}
	}
	return out
}

func parseVersion(s string) (semver.Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return semver.Version{}, errors.New("empty version")
	}
	if n := strings.Count(s, "."); n < 2 && !strings.ContainsAny(s, "-+") {
		s += strings.Repeat(".0", 2-n)
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return semver.Version{}, err
	}
	return *v, nil
}
