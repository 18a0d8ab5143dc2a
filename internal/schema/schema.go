package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// MutatesAnnotation marks commands that sign and submit transactions.
const MutatesAnnotation = "defi-agent/mutates"

type CommandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Aliases     []string        `json:"aliases,omitempty"`
	Mutates     bool            `json:"mutates,omitempty"`
	Required    []string        `json:"required,omitempty"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Type      string `json:"type"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required,omitempty"`
}

// Build describes the command at commandPath below root, or root itself when the path is empty.
func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd, err := find(root, strings.Fields(commandPath))
	if err != nil {
		return CommandSchema{}, err
	}
	return serialize(cmd), nil
}

// MarkMutating tags cmd so agents can tell read-only commands from ones that move funds.
func MarkMutating(cmd *cobra.Command) {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	cmd.Annotations[MutatesAnnotation] = "true"
}

func find(root *cobra.Command, parts []string) (*cobra.Command, error) {
	cmd := root
	for _, p := range parts {
		var next *cobra.Command
		for _, c := range cmd.Commands() {
			if c.Name() == p || contains(c.Aliases, p) {
				next = c
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("command not found: %s", strings.Join(parts, " "))
		}
		cmd = next
	}
	return cmd, nil
}

func serialize(cmd *cobra.Command) CommandSchema {
	s := CommandSchema{
		Path:    strings.TrimSpace(cmd.CommandPath()),
		Use:     cmd.Use,
		Short:   cmd.Short,
		Aliases: cmd.Aliases,
		Mutates: cmd.Annotations[MutatesAnnotation] == "true",
		Flags:   collectFlags(cmd),
	}
	for _, f := range s.Flags {
		if f.Required {
			s.Required = append(s.Required, f.Name)
		}
	}
	sort.Strings(s.Required)

	for _, sub := range cmd.Commands() {
		if sub.Hidden {
			continue
		}
		s.Subcommands = append(s.Subcommands, serialize(sub))
	}
	return s
}

func collectFlags(cmd *cobra.Command) []FlagSchema {
	items := []FlagSchema{}
	cmd.NonInheritedFlags().VisitAll(func(f *pflag.Flag) {
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		items = append(items, FlagSchema{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Type:      f.Value.Type(),
			Usage:     f.Usage,
			Default:   f.DefValue,
			Required:  required,
		})
	})
	return items
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
