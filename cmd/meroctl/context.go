package main

import (
	"encoding/base64"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/spf13/cobra"

	"github.com/calimero-network/core/identity"
	"github.com/calimero-network/core/storage"
	"github.com/calimero-network/core/wire"
)

func contextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage contexts (replication groups)",
	}
	cmd.AddCommand(
		contextListCmd(),
		contextCreateCmd(),
		contextJoinCmd(),
		contextLeaveCmd(),
		contextDeleteCmd(),
		contextInviteCmd(),
	)
	return cmd
}

func contextListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every context this node holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			ctxIDs, err := s.store.ListContexts()
			if err != nil {
				return fmt.Errorf("meroctl: list contexts: %w", err)
			}
			for _, id := range ctxIDs {
				fmt.Println(id.String())
			}
			return nil
		},
	}
}

func contextCreateCmd() *cobra.Command {
	var applicationID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a fresh context with no applied deltas",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			appID, err := optionalID(applicationID)
			if err != nil {
				return err
			}
			ctxID, err := randomID()
			if err != nil {
				return fmt.Errorf("meroctl: generate context id: %w", err)
			}
			if err := putContextMeta(s, ctxID, storage.ContextMeta{ApplicationID: appID}); err != nil {
				return err
			}
			fmt.Println(ctxID.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&applicationID, "application", "", "application id this context runs (optional)")
	return cmd
}

func contextJoinCmd() *cobra.Command {
	var invitation string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a context using an invitation minted by a current member",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			raw, err := base64.StdEncoding.DecodeString(invitation)
			if err != nil {
				return fmt.Errorf("meroctl: decode invitation: %w", err)
			}
			var inv wire.InvitationPayload
			if err := wire.Unmarshal(raw, &inv); err != nil {
				return fmt.Errorf("meroctl: decode invitation: %w", err)
			}

			self, err := loadOrCreateSelf(s)
			if err != nil {
				return err
			}
			if inv.InviteeID != self.ID {
				return fmt.Errorf("meroctl: invitation is addressed to %s, not %s", inv.InviteeID, self.ID)
			}
			if _, err := loadForeignIdentity(s, inv.InviterID); err != nil {
				return err
			}
			ok, err := verifyInvitation(s, inv)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("meroctl: invitation signature does not verify")
			}

			if err := putContextMeta(s, inv.ContextID, storage.ContextMeta{}); err != nil {
				return err
			}
			fmt.Printf("joined context %s; run a catch-up to populate state\n", inv.ContextID)
			return nil
		},
	}
	cmd.Flags().StringVar(&invitation, "invitation", "", "base64-encoded invitation payload (required)")
	_ = cmd.MarkFlagRequired("invitation")
	return cmd
}

func contextInviteCmd() *cobra.Command {
	var contextID, inviteeID string
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Mint an invitation for a peer to join one of this node's contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			ctxID, err := s.defaultContext(contextID)
			if err != nil {
				return err
			}
			invitee, err := parseID(inviteeID)
			if err != nil {
				return err
			}
			self, err := loadOrCreateSelf(s)
			if err != nil {
				return err
			}

			payload := wire.InvitationPayload{ContextID: ctxID, InviterID: self.ID, InviteeID: invitee}
			unsigned, err := wire.Marshal(struct {
				ContextID ids.ID `cbor:"1,keyasint"`
				InviterID ids.ID `cbor:"2,keyasint"`
				InviteeID ids.ID `cbor:"3,keyasint"`
			}{payload.ContextID, payload.InviterID, payload.InviteeID})
			if err != nil {
				return fmt.Errorf("meroctl: encode invitation: %w", err)
			}
			sig, err := s.identities.Sign(self.ID, unsigned)
			if err != nil {
				return fmt.Errorf("meroctl: sign invitation: %w", err)
			}
			payload.Signature = sig

			encoded, err := wire.Marshal(payload)
			if err != nil {
				return fmt.Errorf("meroctl: encode invitation: %w", err)
			}
			fmt.Println(base64.StdEncoding.EncodeToString(encoded))
			return nil
		},
	}
	cmd.Flags().StringVar(&contextID, "context", "", "context id to invite into (defaults to the \"use\" context)")
	cmd.Flags().StringVar(&inviteeID, "invitee", "", "identity id of the peer being invited (required)")
	_ = cmd.MarkFlagRequired("invitee")
	return cmd
}

func contextLeaveCmd() *cobra.Command {
	var contextID string
	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Stop participating in a context, keeping no local record of it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return removeContext(contextID)
		},
	}
	cmd.Flags().StringVar(&contextID, "context", "", "context id to leave (defaults to the \"use\" context)")
	return cmd
}

func contextDeleteCmd() *cobra.Command {
	var contextID string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a context's local state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return removeContext(contextID)
		},
	}
	cmd.Flags().StringVar(&contextID, "context", "", "context id to delete (defaults to the \"use\" context)")
	return cmd
}

// removeContext backs both "leave" and "delete": neither has a
// distinct network-visible effect in this module's scope (spec.md
// names no leave-announcement wire message), so both simply drop the
// context's local metadata and DAG/state rows.
func removeContext(explicit string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	ctxID, err := s.defaultContext(explicit)
	if err != nil {
		return err
	}
	batch := s.store.Batch()
	if err := s.store.DeleteContext(batch, ctxID); err != nil {
		return fmt.Errorf("meroctl: delete context %s: %w", ctxID, err)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("meroctl: delete context %s: %w", ctxID, err)
	}
	fmt.Printf("removed local state for context %s\n", ctxID)
	return nil
}

func putContextMeta(s *session, ctxID ids.ID, meta storage.ContextMeta) error {
	encoded, err := wire.Marshal(meta)
	if err != nil {
		return fmt.Errorf("meroctl: encode context metadata: %w", err)
	}
	batch := s.store.Batch()
	if err := s.store.PutContextMetaBytes(batch, ctxID, encoded); err != nil {
		return fmt.Errorf("meroctl: store context metadata: %w", err)
	}
	return batch.Write()
}

func optionalID(raw string) (ids.ID, error) {
	if raw == "" {
		return ids.ID{}, nil
	}
	return parseID(raw)
}

func loadForeignIdentity(s *session, id ids.ID) (*identity.Identity, error) {
	if got, ok := s.identities.Get(id); ok {
		return got, nil
	}
	return s.identities.Load(s.store, id)
}

func verifyInvitation(s *session, inv wire.InvitationPayload) (bool, error) {
	unsigned, err := wire.Marshal(struct {
		ContextID ids.ID `cbor:"1,keyasint"`
		InviterID ids.ID `cbor:"2,keyasint"`
		InviteeID ids.ID `cbor:"3,keyasint"`
	}{inv.ContextID, inv.InviterID, inv.InviteeID})
	if err != nil {
		return false, fmt.Errorf("meroctl: encode invitation for verification: %w", err)
	}
	return s.identities.Verify(inv.InviterID, unsigned, inv.Signature)
}
