// Package rules decides which hidden sections and pages a user unlocks from
// the sections they already hold.
package rules

import (
	"sort"

	"registration-service/internal/models"
)

// Result is the union of all fired rule actions.
type Result struct {
	UnlockedSections []string `json:"unlocked_sections"`
	Pages            []int64  `json:"pages"`
}

// Unlocks reports whether sectionID was unlocked.
func (r Result) Unlocks(sectionID string) bool {
	i := sort.SearchStrings(r.UnlockedSections, sectionID)
	return i < len(r.UnlockedSections) && r.UnlockedSections[i] == sectionID
}

// Evaluate fires every rule whose triggers are all reserved. A rule without
// triggers never fires. Outputs are de-duplicated and sorted.
func Evaluate(reserved []string, rules []models.Rule) Result {
	held := make(map[string]struct{}, len(reserved))
	for _, id := range reserved {
		held[id] = struct{}{}
	}

	sections := map[string]struct{}{}
	pages := map[int64]struct{}{}
	for _, rule := range rules {
		if !fires(rule, held) {
			continue
		}
		for _, action := range rule.Actions {
			switch action.Kind {
			case models.ActionUnlockSection:
				sections[action.Target] = struct{}{}
			case models.ActionShowPage:
				if id, ok := action.PageID(); ok {
					pages[id] = struct{}{}
				}
			}
		}
	}

	res := Result{
		UnlockedSections: make([]string, 0, len(sections)),
		Pages:            make([]int64, 0, len(pages)),
	}
	for id := range sections {
		res.UnlockedSections = append(res.UnlockedSections, id)
	}
	for id := range pages {
		res.Pages = append(res.Pages, id)
	}
	sort.Strings(res.UnlockedSections)
	sort.Slice(res.Pages, func(i, j int) bool { return res.Pages[i] < res.Pages[j] })
	return res
}

func fires(rule models.Rule, held map[string]struct{}) bool {
	if len(rule.Triggers) == 0 {
		return false
	}
	for _, trigger := range rule.Triggers {
		if _, ok := held[trigger]; !ok {
			return false
		}
	}
	return true
}
