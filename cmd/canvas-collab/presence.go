package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/jamesrossjr/canvas-core/internal/collab"
	"github.com/jamesrossjr/canvas-core/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var errPresenceDisabled = errors.New("presence: redis address not configured")

type presenceReport struct {
	Workspace collab.WorkspaceID   `json:"workspace,omitempty"`
	Users     []collab.Participant `json:"users,omitempty"`
	Rooms     []collab.WorkspaceID `json:"workspaces,omitempty"`
}

func newPresenceCommand() *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "Print the presence mirrored into Redis",
		Long:  "Without --workspace, lists the workspaces that currently have participants.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPresence(cmd.Context(), workspace)
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace whose participants to print")
	return cmd
}

func runPresence(ctx context.Context, workspace string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if !appConfig.Redis.Enabled() {
		return errPresenceDisabled
	}
	store, err := openPresenceStore(ctx, appConfig.Redis)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	var report presenceReport
	if workspace == "" {
		report.Rooms, err = store.Workspaces(ctx)
	} else {
		report.Workspace, err = collab.NewWorkspaceID(workspace)
		if err == nil {
			report.Users, err = store.Snapshot(ctx, report.Workspace)
		}
	}
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
