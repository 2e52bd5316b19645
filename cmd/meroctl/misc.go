package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calimero-network/core/storage"
	"github.com/calimero-network/core/wire"
)

func applicationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "application",
		Short: "Manage the application a context runs",
	}
	cmd.AddCommand(applicationUpdateCmd())
	return cmd
}

func applicationUpdateCmd() *cobra.Command {
	var contextID, applicationID string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Point a context at a different application id",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			ctxID, err := s.defaultContext(contextID)
			if err != nil {
				return err
			}
			appID, err := parseID(applicationID)
			if err != nil {
				return err
			}

			encoded, err := s.store.GetContextMetaBytes(ctxID)
			if err != nil {
				return fmt.Errorf("meroctl: load context %s: %w", ctxID, err)
			}
			var meta storage.ContextMeta
			if err := wire.Unmarshal(encoded, &meta); err != nil {
				return fmt.Errorf("meroctl: decode context %s: %w", ctxID, err)
			}
			meta.ApplicationID = appID
			return putContextMeta(s, ctxID, meta)
		},
	}
	cmd.Flags().StringVar(&contextID, "context", "", "context id to update (defaults to the \"use\" context)")
	cmd.Flags().StringVar(&applicationID, "application", "", "new application id (required)")
	_ = cmd.MarkFlagRequired("application")
	return cmd
}

// proposalCmd is a pass-through stub: proposal state belongs to the
// application sandbox named in spec.md §1 as an external collaborator,
// not to the node core this module implements.
func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposal",
		Short: "Inspect application proposals (served by the application sandbox, not the node core)",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List pending proposals",
			RunE: func(cmd *cobra.Command, args []string) error {
				return fmt.Errorf("meroctl: proposal state is owned by the application sandbox; this node core exposes no proposal store")
			},
		},
		&cobra.Command{
			Use:   "view <id>",
			Short: "View a proposal",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return fmt.Errorf("meroctl: proposal state is owned by the application sandbox; this node core exposes no proposal store")
			},
		},
	)
	return cmd
}

func useCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <context-id>",
		Short: "Set the default context for commands that accept --context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			batch := s.store.Batch()
			if err := s.store.PutAlias(batch, "default", id); err != nil {
				return fmt.Errorf("meroctl: set default context: %w", err)
			}
			return batch.Write()
		},
	}
}
