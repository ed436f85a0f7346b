package authz

import (
	"slices"
	"strings"

	"github.com/nielsarts/ai-authz-engine/internal/provider"
)

// Resolution is the verdict of the trait policy resolver.
type Resolution struct {
	Authorized   bool
	MaskedTraits map[string]string
	PolicyIDs    []int64
}

// ResolveTraitPolicies decides between candidate policies for one phase.
//
// Candidates are scanned in the order given; the first one whose verdict is
// not allow decides the request alone as a deny, so an unrecognized verdict
// never authorizes. Candidates without a verdict for phase are ignored.
// Otherwise the request is authorized and every requested trait governed by
// an allow policy is masked.
func ResolveTraitPolicies(candidates []provider.TraitPolicy, traits []string, phase provider.Phase) Resolution {
	for _, p := range candidates {
		if v := p.VerdictFor(phase); v != "" && v != provider.VerdictAllow {
			return Resolution{
				MaskedTraits: map[string]string{},
				PolicyIDs:    []int64{p.ID},
			}
		}
	}

	res := Resolution{Authorized: true, MaskedTraits: map[string]string{}, PolicyIDs: []int64{}}
	for _, p := range candidates {
		if p.VerdictFor(phase) != provider.VerdictAllow {
			continue
		}
		for _, trait := range traits {
			if containsFold(p.Traits, trait) {
				res.MaskedTraits[trait] = Placeholder(trait)
			}
		}
		res.PolicyIDs = appendUnique(res.PolicyIDs, p.ID)
	}
	slices.Sort(res.PolicyIDs)
	return res
}

// Placeholder returns the redaction token for a trait.
func Placeholder(trait string) string {
	return "<<" + strings.ToUpper(strings.TrimSpace(trait)) + ">>"
}

func containsFold(values []string, s string) bool {
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func appendUnique(ids []int64, id int64) []int64 {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}
