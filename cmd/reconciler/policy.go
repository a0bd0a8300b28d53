package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
	"github.com/tendant/blob-reconcile/pkg/reconcile/cleanup"
)

// policyFile is the YAML layout accepted by "policy import".
type policyFile struct {
	Policies []policyEntry `yaml:"policies"`
}

type policyEntry struct {
	Repository string         `yaml:"repository"`
	Name       string         `yaml:"name"`
	Format     string         `yaml:"format"`
	Options    map[string]any `yaml:"options"`
}

type parsedPolicy struct {
	repository string
	policy     *reconcile.CleanupPolicy
}

// parsePolicyFile decodes and validates every policy in r. Unknown fields and
// unknown option keys are errors; nothing is returned unless all entries parse.
func parsePolicyFile(r io.Reader) ([]parsedPolicy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f policyFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode policy file: %w", err)
	}
	out := make([]parsedPolicy, 0, len(f.Policies))
	for i, e := range f.Policies {
		if e.Repository == "" {
			return nil, fmt.Errorf("policy %d: %w: repository is required", i, reconcile.ErrInvalidPolicy)
		}
		p, err := cleanup.ParsePolicy(e.Name, e.Format, e.Options)
		if err != nil {
			return nil, fmt.Errorf("policy %d (%s): %w", i, e.Name, err)
		}
		out = append(out, parsedPolicy{repository: e.Repository, policy: p})
	}
	return out, nil
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage cleanup policies",
}

var policyImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or replace cleanup policies from a YAML file",
	Long: `Create or replace cleanup policies from a YAML file:

  policies:
    - repository: maven-releases
      name: keep-five
      format: maven2
      options:
        retain: 5
        sortBy: version
        lastDownloaded: 90`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		parsed, err := parsePolicyFile(f)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		for _, p := range parsed {
			if err := a.stores.Policies.SavePolicy(cmd.Context(), p.repository, p.policy); err != nil {
				return fmt.Errorf("save %s/%s: %w", p.repository, p.policy.Name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s/%s\n", p.repository, p.policy.Name)
		}
		return nil
	},
}

var policyListCmd = &cobra.Command{
	Use:   "list <repository>",
	Short: "List the cleanup policies of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		policies, err := a.stores.Policies.ListPolicies(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printPolicies(cmd.OutOrStdout(), policies)
		return nil
	},
}

var policyDeleteCmd = &cobra.Command{
	Use:   "delete <repository> <name>",
	Short: "Delete a cleanup policy",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		return a.stores.Policies.DeletePolicy(cmd.Context(), args[0], args[1])
	},
}

func init() {
	policyCmd.AddCommand(policyImportCmd, policyListCmd, policyDeleteCmd)
}
