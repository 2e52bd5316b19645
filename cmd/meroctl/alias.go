package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func aliasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alias",
		Short: "Manage human-readable names for context and identity ids",
	}
	cmd.AddCommand(aliasAddCmd(), aliasRemoveCmd(), aliasGetCmd(), aliasListCmd())
	return cmd
}

func aliasAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <id>",
		Short: "Bind a name to an id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			batch := s.store.Batch()
			if err := s.store.PutAlias(batch, args[0], id); err != nil {
				return fmt.Errorf("meroctl: add alias %s: %w", args[0], err)
			}
			return batch.Write()
		},
	}
}

func aliasRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a name binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			batch := s.store.Batch()
			if err := s.store.DeleteAlias(batch, args[0]); err != nil {
				return fmt.Errorf("meroctl: remove alias %s: %w", args[0], err)
			}
			return batch.Write()
		},
	}
}

func aliasGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Print the id bound to a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			id, err := s.store.GetAlias(args[0])
			if err != nil {
				return fmt.Errorf("meroctl: %s: %w", args[0], err)
			}
			fmt.Println(id.String())
			return nil
		},
	}
}

func aliasListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every name binding",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			aliases, err := s.store.ListAliases()
			if err != nil {
				return fmt.Errorf("meroctl: list aliases: %w", err)
			}
			names := make([]string, 0, len(aliases))
			for name := range aliases {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%s\t%s\n", name, aliases[name].String())
			}
			return nil
		},
	}
}
