package reconcile

import (
	"fmt"
	"regexp"
	"time"
)

// SortBy selects the ordering used to decide which versions are retained.
type SortBy string

const (
	SortByVersion         SortBy = "version"
	SortByLastDownloaded  SortBy = "lastDownloaded"
	SortByLastBlobUpdated SortBy = "lastBlobUpdated"
)

// Valid reports whether s is a recognized sort key.
func (s SortBy) Valid() bool {
	switch s {
	case SortByVersion, SortByLastDownloaded, SortByLastBlobUpdated:
		return true
	}
	return false
}

// AnyFormat matches components of every format.
const AnyFormat = "*"

// CleanupPolicy is a retention policy evaluated against one repository.
//
// The first RetainCount members of each component group, ordered best first by
// RetainSortBy, are always kept. The remaining members are deletion candidates
// unless a filter excludes them. A zero MaxAgeDays or UnusedDays disables that
// filter and a nil IsPrerelease matches both prereleases and releases.
type CleanupPolicy struct {
	Name         string `json:"name"`
	Format       string `json:"format"`
	RetainCount  int    `json:"retain_count"`
	RetainSortBy SortBy `json:"retain_sort_by"`
	MaxAgeDays   int    `json:"max_age_days,omitempty"`
	UnusedDays   int    `json:"unused_days,omitempty"`
	ExcludeRegex string `json:"exclude_regex,omitempty"`
	IsPrerelease *bool  `json:"is_prerelease,omitempty"`
}

// Normalized returns a validated copy of p with defaults filled in. p itself
// is left untouched, so one policy can be evaluated concurrently.
func (p *CleanupPolicy) Normalized() (*CleanupPolicy, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: policy is required", ErrInvalidPolicy)
	}
	out := *p
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate fills defaults and checks the policy is usable.
func (p *CleanupPolicy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if p.Format == "" {
		p.Format = AnyFormat
	}
	if p.RetainSortBy == "" {
		p.RetainSortBy = SortByVersion
	}
	if !p.RetainSortBy.Valid() {
		return fmt.Errorf("%w: unknown sortBy %q", ErrInvalidPolicy, p.RetainSortBy)
	}
	if p.RetainCount < 0 {
		return fmt.Errorf("%w: retain must not be negative", ErrInvalidPolicy)
	}
	if p.MaxAgeDays < 0 || p.UnusedDays < 0 {
		return fmt.Errorf("%w: day criteria must not be negative", ErrInvalidPolicy)
	}
	if p.ExcludeRegex != "" {
		if _, err := regexp.Compile(p.ExcludeRegex); err != nil {
			return fmt.Errorf("%w: regex: %v", ErrInvalidPolicy, err)
		}
	}
	return nil
}

// MatchesFormat reports whether the policy applies to components of format.
func (p *CleanupPolicy) MatchesFormat(format string) bool {
	return p.Format == "" || p.Format == AnyFormat || p.Format == format
}

// Filter decides whether a component past the retained head is a candidate.
type Filter struct {
	policy  *CleanupPolicy
	exclude *regexp.Regexp
	now     time.Time
}

// NewFilter compiles the policy filters, measuring ages from now.
func (p *CleanupPolicy) NewFilter(now time.Time) (*Filter, error) {
	f := &Filter{policy: p, now: now}
	if p.ExcludeRegex != "" {
		re, err := regexp.Compile(p.ExcludeRegex)
		if err != nil {
			return nil, fmt.Errorf("%w: regex: %v", ErrInvalidPolicy, err)
		}
		f.exclude = re
	}
	return f, nil
}

// Eligible reports whether c passes every configured filter.
func (f *Filter) Eligible(c *Component) bool {
	p := f.policy
	if p.IsPrerelease != nil && c.IsPrerelease != *p.IsPrerelease {
		return false
	}
	if p.MaxAgeDays > 0 && !olderThan(c.LastBlobUpdated, f.now, p.MaxAgeDays) {
		return false
	}
	if p.UnusedDays > 0 && !olderThan(c.LastDownloaded, f.now, p.UnusedDays) {
		return false
	}
	if f.exclude != nil && f.exclude.MatchString(c.Coordinates()) {
		return false
	}
	return true
}

// A missing timestamp counts as old.
func olderThan(ts *time.Time, now time.Time, days int) bool {
	if ts == nil {
		return true
	}
	return ts.Before(now.Add(-time.Duration(days) * 24 * time.Hour))
}
