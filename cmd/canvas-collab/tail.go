package main

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jamesrossjr/canvas-core/internal/client"
	"github.com/jamesrossjr/canvas-core/internal/collab"
	"github.com/jamesrossjr/canvas-core/internal/config"
	"github.com/jamesrossjr/canvas-core/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var tailEvents = []string{
	collab.EventConnected,
	collab.EventWorkspaceState,
	collab.EventUserJoined,
	collab.EventUserLeft,
	collab.EventBlockOperation,
	collab.EventCursorUpdate,
	collab.EventSelectionChange,
	collab.EventTypingStart,
	collab.EventTypingStop,
}

func newTailCommand() *cobra.Command {
	var (
		workspace string
		name      string
		token     string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Join a workspace and log every collaboration event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd.Context(), workspace, name, token)
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace to join")
	cmd.Flags().StringVar(&name, "name", "canvas-tail", "Display name announced to the room")
	cmd.Flags().StringVar(&token, "token", "", "Session token sent as a bearer credential")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func runTail(ctx context.Context, workspace, name, token string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	workspaceID, err := collab.NewWorkspaceID(workspace)
	if err != nil {
		return err
	}
	header := http.Header{}
	if trimmed := strings.TrimSpace(token); trimmed != "" {
		header.Set("Authorization", "Bearer "+trimmed)
	}

	session, err := client.NewSession(client.Config{
		ServerURL:         appConfig.Client.ServerURL,
		WorkspaceID:       workspaceID,
		Header:            header,
		ReconnectAttempts: appConfig.Client.ReconnectAttempts,
		ReconnectDelay:    appConfig.Client.ReconnectDelay,
		AutoRejoin:        appConfig.Client.AutoRejoin,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, event := range tailEvents {
		session.On(event, func(message collab.Message) {
			logger.Info("event",
				zap.String("event", message.EventName()),
				zap.Any("data", message),
				zap.Int("user_count", session.UserCount()))
		})
	}
	session.On(client.EventDisconnected, func(message collab.Message) {
		lost := message.(client.Disconnected)
		logger.Warn("disconnected", zap.Bool("final", lost.Final), zap.Error(lost.Err))
		if lost.Final {
			stop()
		}
	})

	session.Connect(signalCtx, collab.Participant{Name: name})
	<-signalCtx.Done()
	session.Disconnect()
	return nil
}
