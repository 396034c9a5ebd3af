package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/auth"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/config"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/database"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/logging"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/notifications"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/realtime"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/transport"
)

const historyPageSize = 50

func newListenCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect to the realtime server and log channel activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd.Context())
		},
	}
	cmd.Flags().String("server-url", defaults.GetString("listen.server_url"), "Realtime websocket endpoint")
	cmd.Flags().String("api-url", defaults.GetString("listen.api_url"), "HTTP API base URL for notification history (empty disables)")
	cmd.Flags().String("token", "", "Bearer token (overrides env)")
	cmd.Flags().StringSlice("channel", nil, "Channel to subscribe, e.g. user:42 (repeatable)")
	cmd.Flags().String("session", "", "Live session to join")
	cmd.Flags().String("course", "", "Course of the live session")
	cmd.Flags().String("database-path", defaults.GetString("listen.database_path"), "SQLite path for the local notification store")
	cmd.Flags().Int("history-pages", defaults.GetInt("listen.history_pages"), "Notification history pages to sync on start")

	bindLocalFlag(cmd, "listen.server_url", "server-url")
	bindLocalFlag(cmd, "listen.api_url", "api-url")
	bindLocalFlag(cmd, "listen.token", "token")
	bindLocalFlag(cmd, "listen.channels", "channel")
	bindLocalFlag(cmd, "listen.session_id", "session")
	bindLocalFlag(cmd, "listen.course_id", "course")
	bindLocalFlag(cmd, "listen.database_path", "database-path")
	bindLocalFlag(cmd, "listen.history_pages", "history-pages")
	return cmd
}

func runListen(ctx context.Context) error {
	appConfig, err := config.LoadListen(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.Logging.Level, appConfig.Logging.Encoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(database.Options{
		Path:       appConfig.DatabasePath,
		Logger:     logger,
		Models:     notifications.Models(),
		Migrations: notifications.Migrations(),
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := notifications.NewStore(notifications.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	websocketTransport, err := transport.New(transport.Config{URL: appConfig.ServerURL, Logger: logger})
	if err != nil {
		return err
	}

	tunables := appConfig.Realtime
	client, err := realtime.NewClient(realtime.Config{
		Transport:          websocketTransport,
		Logger:             logger,
		Store:              store,
		IdentityResolver:   auth.IdentityFromToken,
		ReconnectBaseDelay: tunables.ReconnectBase,
		ReconnectMaxDelay:  tunables.ReconnectMax,
		MaxRetryWindow:     tunables.MaxRetryWindow,
		HandshakeTimeout:   tunables.HandshakeTimeout,
		HeartbeatInterval:  tunables.HeartbeatInterval,
		PongTimeout:        tunables.PongTimeout,
		AckTimeout:         tunables.AckTimeout,
		MaxSendAttempts:    tunables.MaxSendAttempts,
		OutboxCapacity:     tunables.OutboxCapacity,
		LeaveGrace:         tunables.LeaveGrace,
		TypingIdle:         tunables.TypingIdle,
		TypingLiveness:     tunables.TypingLiveness,
		MessageRetention:   tunables.Retention,
	})
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck

	logActivity(client, logger)

	if appConfig.APIURL != "" {
		bootstrapNotifications(ctx, client, store, appConfig, logger)
	}

	if err := client.Connect(realtime.Credentials{Token: appConfig.Token}); err != nil {
		return err
	}
	for _, channel := range appConfig.Channels {
		if _, err := client.Subscribe(channel); err != nil {
			return err
		}
	}
	if appConfig.SessionID != "" {
		if _, err := client.JoinSession(appConfig.SessionID, appConfig.CourseID); err != nil {
			return err
		}
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	logger.Info("shutting down")
	return client.Disconnect()
}

func bootstrapNotifications(ctx context.Context, client *realtime.Client, store *notifications.Store, appConfig config.ListenConfig, logger *zap.Logger) {
	api, err := notifications.NewAPIClient(notifications.APIConfig{BaseURL: appConfig.APIURL, Token: appConfig.Token})
	if err != nil {
		logger.Warn("notification api disabled", zap.Error(err))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var unread int
	if appConfig.HistoryPages > 0 {
		unread, err = api.Sync(requestCtx, store, appConfig.HistoryPages, historyPageSize)
	} else {
		unread, err = api.UnreadCount(requestCtx)
	}
	if err != nil {
		logger.Warn("notification bootstrap failed", zap.Error(err))
		return
	}
	if err := client.BootstrapUnreadCount(unread); err != nil {
		logger.Warn("unread count bootstrap rejected", zap.Error(err))
	}
}

func logActivity(client *realtime.Client, logger *zap.Logger) {
	client.OnStateChange(func(status realtime.Status) {
		fields := []zap.Field{zap.String("state", string(status.State)), zap.Int("attempt", status.Attempt)}
		if status.LastError != nil {
			fields = append(fields, zap.Error(status.LastError))
		}
		logger.Info("connection state", fields...)
	})
	client.OnMessages(func(event realtime.MessagesEvent) {
		if len(event.Messages) == 0 {
			return
		}
		latest := event.Messages[len(event.Messages)-1]
		logger.Info("message",
			zap.String("channel", event.ChannelID.String()),
			zap.String("sender", latest.SenderID),
			zap.String("status", string(latest.Status)),
			zap.String("content", latest.Content),
		)
	})
	client.OnSendFailed(func(sendErr *realtime.SendError) {
		logger.Warn("send failed", zap.String("temp_id", sendErr.TempID), zap.Error(sendErr.Err))
	})
	client.OnTyping(func(event realtime.TypingEvent) {
		names := make([]string, 0, len(event.Users))
		for _, user := range event.Users {
			names = append(names, user.DisplayName)
		}
		logger.Info("typing", zap.String("channel", event.ChannelID.String()), zap.Strings("users", names))
	})
	client.OnParticipantCount(func(event realtime.ParticipantEvent) {
		logger.Info("participants", zap.String("session", event.SessionID), zap.Int("count", event.Count))
	})
	client.OnInteraction(func(interaction realtime.Interaction) {
		logger.Info("interaction", zap.String("session", interaction.SessionID), zap.String("user", interaction.UserID), zap.String("kind", interaction.Kind))
	})
	client.OnNotification(func(event realtime.NotificationEvent) {
		logger.Info("notification",
			zap.String("id", event.Notification.ID),
			zap.String("title", event.Notification.Title),
			zap.Int("unread", event.UnreadCount),
		)
	})
	client.OnUnreadCount(func(count int) {
		logger.Info("unread count", zap.Int("count", count))
	})
}
