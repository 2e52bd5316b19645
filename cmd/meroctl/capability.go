package main

import (
	"fmt"

	"github.com/luxfi/ids"
	"github.com/spf13/cobra"

	"github.com/calimero-network/core/identity"
)

func capabilityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capability",
		Short: "Grant or revoke a capability on an identity",
	}
	cmd.AddCommand(capabilityGrantCmd(), capabilityRevokeCmd())
	return cmd
}

func capabilityGrantCmd() *cobra.Command {
	var identityID, capability string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a capability to an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateCapability(identityID, capability, (*identity.Table).Grant)
		},
	}
	cmd.Flags().StringVar(&identityID, "identity", "", "identity id to modify (required)")
	cmd.Flags().StringVar(&capability, "capability", "", "capability name, e.g. manage_application (required)")
	_ = cmd.MarkFlagRequired("identity")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

func capabilityRevokeCmd() *cobra.Command {
	var identityID, capability string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a capability from an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateCapability(identityID, capability, (*identity.Table).Revoke)
		},
	}
	cmd.Flags().StringVar(&identityID, "identity", "", "identity id to modify (required)")
	cmd.Flags().StringVar(&capability, "capability", "", "capability name, e.g. manage_application (required)")
	_ = cmd.MarkFlagRequired("identity")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

func mutateCapability(identityIDRaw, capability string, op func(*identity.Table, ids.ID, identity.Capability) error) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	id, err := parseID(identityIDRaw)
	if err != nil {
		return err
	}
	if _, err := loadForeignIdentity(s, id); err != nil {
		return fmt.Errorf("meroctl: load identity %s: %w", id, err)
	}
	if err := op(s.identities, id, identity.Capability(capability)); err != nil {
		return fmt.Errorf("meroctl: %w", err)
	}

	batch := s.store.Batch()
	got, _ := s.identities.Get(id)
	if err := identity.Save(s.store, batch, got); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("meroctl: persist identity %s: %w", id, err)
	}
	fmt.Printf("%s now has capability %s: %v\n", id, capability, got.HasCapability(identity.Capability(capability)))
	return nil
}
