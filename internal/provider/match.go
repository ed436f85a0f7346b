package provider

import (
	"slices"
	"sort"
	"strings"
)

// -----------------------------------------------------------------------------
// Matching
// -----------------------------------------------------------------------------
//
// These helpers implement the selection rules of the DataProvider contract so
// that every provider implementation filters policies the same way.

// MatchesTraitPolicy reports whether the policy applies to the query.
// The application key is not compared; callers scope by application first.
func MatchesTraitPolicy(p *TraitPolicy, q PolicyQuery) bool {
	if p.VerdictFor(q.Phase) == "" {
		return false
	}
	if !intersectsFold(p.Traits, q.Traits) {
		return false
	}
	return slices.Contains(p.Users, q.User) ||
		intersects(p.Groups, q.Groups) ||
		(q.Role != "" && slices.Contains(p.Roles, q.Role))
}

// MatchesVectorDBPolicy reports whether the row policy lists the user or one
// of groups in either its allow or deny lists.
func MatchesVectorDBPolicy(p *VectorDBPolicy, user string, groups []string) bool {
	if user != "" && (slices.Contains(p.AllowedUsers, user) || slices.Contains(p.DeniedUsers, user)) {
		return true
	}
	return intersects(p.AllowedGroups, groups) || intersects(p.DeniedGroups, groups)
}

// SortTraitPolicies orders policies by ascending id.
func SortTraitPolicies(policies []TraitPolicy) {
	sort.SliceStable(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
}

// SortVectorDBPolicies orders policies by ascending id.
func SortVectorDBPolicies(policies []VectorDBPolicy) {
	sort.SliceStable(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if x != "" && slices.Contains(b, x) {
			return true
		}
	}
	return false
}

func intersectsFold(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}
