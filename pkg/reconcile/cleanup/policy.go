package cleanup

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

// Option keys accepted in a policy definition.
const (
	KeyPolicyName      = "policyName"
	KeyIsPrerelease    = "isPrerelease"
	KeyLastBlobUpdated = "lastBlobUpdated"
	KeyLastDownloaded  = "lastDownloaded"
	KeyRetain          = "retain"
	KeySortBy          = "sortBy"
	KeyRegex           = "regex"
)

type policyOptions struct {
	PolicyName      string `mapstructure:"policyName"`
	IsPrerelease    *bool  `mapstructure:"isPrerelease"`
	LastBlobUpdated int    `mapstructure:"lastBlobUpdated"`
	LastDownloaded  int    `mapstructure:"lastDownloaded"`
	Retain          int    `mapstructure:"retain"`
	SortBy          string `mapstructure:"sortBy"`
	Regex           string `mapstructure:"regex"`
}

// ParsePolicy decodes a policy from its option map. Unknown keys are
// rejected. Day criteria and retain accept numbers or numeric strings, as
// they arrive from JSON, YAML or form input.
func ParsePolicy(name, format string, options map[string]any) (*reconcile.CleanupPolicy, error) {
	var opts policyOptions
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(options); err != nil {
		return nil, fmt.Errorf("%w: %v", reconcile.ErrInvalidPolicy, err)
	}

	switch {
	case name == "":
		name = opts.PolicyName
	case opts.PolicyName != "" && opts.PolicyName != name:
		return nil, fmt.Errorf("%w: policyName %q does not match %q", reconcile.ErrInvalidPolicy, opts.PolicyName, name)
	}

	policy := &reconcile.CleanupPolicy{
		Name:         name,
		Format:       format,
		RetainCount:  opts.Retain,
		RetainSortBy: reconcile.SortBy(opts.SortBy),
		MaxAgeDays:   opts.LastBlobUpdated,
		UnusedDays:   opts.LastDownloaded,
		ExcludeRegex: opts.Regex,
		IsPrerelease: opts.IsPrerelease,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

// Options renders a policy back into its option map.
func Options(p *reconcile.CleanupPolicy) map[string]any {
	out := map[string]any{
		KeyPolicyName: p.Name,
		KeyRetain:     p.RetainCount,
		KeySortBy:     string(p.RetainSortBy),
	}
	if p.MaxAgeDays > 0 {
		out[KeyLastBlobUpdated] = p.MaxAgeDays
	}
	if p.UnusedDays > 0 {
		out[KeyLastDownloaded] = p.UnusedDays
	}
	if p.ExcludeRegex != "" {
		out[KeyRegex] = p.ExcludeRegex
	}
	if p.IsPrerelease != nil {
		out[KeyIsPrerelease] = *p.IsPrerelease
	}
	return out
}
