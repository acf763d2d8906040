package auth

import (
	"sort"
	"strings"
)

// DefaultAdminAliases is version 1 of the administrative alias set.
var DefaultAdminAliases = NewAliasSet(1, "admin", "super_admin", "superadmin", "administrator", "super administrator")

// AliasSet is the single definition of which role tags and role names denote a
// super-administrator. The version travels with the login payload so clients can
// detect a stale copy.
type AliasSet struct {
	version int
	names   map[string]struct{}
}

// NewAliasSet builds an alias set. Blank names are ignored.
func NewAliasSet(version int, names ...string) AliasSet {
	set := AliasSet{version: version, names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = normalizeAlias(n)
		if n == "" {
			continue
		}
		set.names[n] = struct{}{}
	}
	return set
}

// Version returns the alias set version.
func (a AliasSet) Version() int { return a.version }

// Names returns the normalised aliases in sorted order.
func (a AliasSet) Names() []string {
	out := make([]string, 0, len(a.names))
	for n := range a.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Matches reports whether any of the given role labels is an administrative alias.
func (a AliasSet) Matches(labels ...string) bool {
	for _, l := range labels {
		l = normalizeAlias(l)
		if l == "" {
			continue
		}
		if _, ok := a.names[l]; ok {
			return true
		}
	}
	return false
}

// normalizeAlias folds "Super Admin", "super-admin" and "SUPER_ADMIN" together.
func normalizeAlias(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return '_'
		}
		return r
	}, s)
}
