package main

import (
	"sort"

	"github.com/spf13/cobra"
)

var moduleCmd = &cobra.Command{
	Use:          "module",
	Short:        "Inspect registered protocol modules.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var moduleListCmd = &cobra.Command{
	Use:          "list",
	Short:        "List every protocol module the engine would register.",
	SilenceUsage: true,
	RunE:         runModuleList,
}

func init() {
	moduleCmd.AddCommand(moduleListCmd)
}

// runModuleList builds the same fixed registry "pomd run" would, without
// opening any input or starting the control-plane listener, and prints its
// contents. A running process's control plane does not list these: "pomd
// run" registers no classes in its control registry.
func runModuleList(cmd *cobra.Command, args []string) error {
	e, err := buildEngine()
	if err != nil {
		return err
	}

	names := e.Registry.Names()
	sort.Strings(names)
	for _, name := range names {
		cmd.Println(name)
	}
	return nil
}
