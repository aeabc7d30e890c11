package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"aegisflux/agents/exec-guard/internal/rules"
	"aegisflux/agents/exec-guard/internal/types"
)

func rulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage execution rules",
	}
	cmd.AddCommand(rulesListCommand(), rulesAddCommand(), rulesEnableCommand(true), rulesEnableCommand(false), rulesImportCommand())
	return cmd
}

func rulesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			list, err := st.Rules(cmd.Context())
			if err != nil {
				return err
			}
			return printRules(cmd.OutOrStdout(), list)
		},
	}
}

func rulesAddCommand() *cobra.Command {
	var (
		allow      bool
		disabled   bool
		comment    string
		attributes []string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a rule",
		Example: `  exec-guard rules add --attr path-regex='^/tmp/' --comment "no tmp binaries"
  exec-guard rules add --allow --attr signer-name="Example Corp"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rule := types.Rule{Allow: allow, Enabled: !disabled, Comment: comment}
			for _, raw := range attributes {
				attr, err := parseAttribute(raw)
				if err != nil {
					return err
				}
				rule.Attributes = append(rule.Attributes, attr)
			}
			if err := rules.Validate(rule); err != nil {
				return err
			}

			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			id, err := st.AddRule(cmd.Context(), &rule)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added rule %d at rank %d\n", id, rule.Rank)
			return nil
		},
	}

	cmd.Flags().BoolVar(&allow, "allow", false, "Allow matching executables (default deny)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Add the rule disabled")
	cmd.Flags().StringVar(&comment, "comment", "", "Rule comment")
	cmd.Flags().StringArrayVar(&attributes, "attr", nil, "Attribute as type=value (repeatable)")
	return cmd
}

func rulesEnableCommand(enabled bool) *cobra.Command {
	use, short := "enable <id>", "Enable a rule"
	if !enabled {
		use, short = "disable <id>", "Disable a rule"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid rule id %q", args[0])
			}

			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			return st.SetRuleEnabled(cmd.Context(), id, enabled)
		},
	}
}

func rulesImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Append rules from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := rules.LoadFile(args[0])
			if err != nil {
				return err
			}

			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.AddRules(cmd.Context(), list); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d rules\n", len(list))
			return nil
		},
	}
}

func parseAttribute(raw string) (types.RuleAttribute, error) {
	name, value, ok := strings.Cut(raw, "=")
	if !ok {
		return types.RuleAttribute{}, fmt.Errorf("attribute %q must be type=value", raw)
	}
	t, err := types.ParseAttributeType(name)
	if err != nil {
		return types.RuleAttribute{}, err
	}
	return types.RuleAttribute{Type: t, Value: value}, nil
}

func printRules(w io.Writer, list []types.Rule) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRANK\tENABLED\tVERDICT\tATTRIBUTES\tCOMMENT")
	for _, r := range list {
		attrs := make([]string, 0, len(r.Attributes))
		for _, a := range r.Attributes {
			attrs = append(attrs, fmt.Sprintf("%s=%s", a.Type, a.Value))
		}
		fmt.Fprintf(tw, "%d\t%d\t%t\t%s\t%s\t%s\n", r.ID, r.Rank, r.Enabled, r.Verdict(), strings.Join(attrs, ","), r.Comment)
	}
	return tw.Flush()
}
