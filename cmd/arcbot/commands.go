package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"arcbot/internal/brain"
	"arcbot/internal/chat"
	"arcbot/internal/domain"
	"arcbot/internal/events"
	"arcbot/internal/gateway"
	"arcbot/internal/persona"
	"arcbot/internal/signals"
)

func personaNames(path string) ([]string, error) {
	list, err := persona.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return persona.NewRegistry(list).Names(), nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway, event sweeper and persona watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signals.NotifyContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			watcher := persona.NewWatcher(cfg.Paths.Personas, a.personas)
			watcher.OnReload(func(err error) {
				if err != nil {
					logger.Warn("persona reload failed", "path", cfg.Paths.Personas, "error", err)
					return
				}
				logger.Info("personas reloaded", "count", len(a.personas.Names()))
			})
			if err := watcher.Start(); err != nil {
				logger.Warn("persona watcher disabled", "error", err)
			} else {
				defer watcher.Stop()
			}

			ttl := time.Duration(cfg.Events.TTLMinutes) * time.Minute
			sweeper := events.NewSweeper(a.events, events.NewRobfigCronEngine(), ttl, events.WithSweeperLogger(logger))
			if err := sweeper.Start(cfg.Events.SweepCron); err != nil {
				return err
			}
			defer sweeper.Stop()

			srv, err := gateway.NewServer(&cfg.Gateway, a.chat,
				gateway.WithLogger(logger),
				gateway.WithMetrics(a.metrics, a.registry),
				gateway.WithStickers(a.emoji),
			)
			if err != nil {
				return err
			}
			if err := srv.Run(ctx.Done()); err != nil {
				return fmt.Errorf("gateway: %w", err)
			}
			logger.Info("shut down")
			return nil
		},
	}
}

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <message...>",
		Short: "Send one message through the full pipeline and print the reply segments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			chatID, _ := cmd.Flags().GetString("chat-id")
			group, _ := cmd.Flags().GetBool("group")
			userID, _ := cmd.Flags().GetString("user-id")
			userName, _ := cmd.Flags().GetString("user-name")

			ctx, stop := signals.NotifyContext(cmd.Context())
			defer stop()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			kind := domain.ChatPrivate
			if group {
				kind = domain.ChatGroup
			}
			in := chat.Incoming{
				Chat:     domain.ChatContext{Key: domain.ChatKey{ChatID: chatID, Kind: kind}, UserID: userID},
				UserName: userName,
				Content:  strings.Join(args, " "),
			}
			out, err := a.chat.Handle(ctx, in, printSink(cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			if out.State != brain.StateDone {
				fmt.Fprintf(cmd.ErrOrStderr(), "turn ended %s: %v\n", out.State, out.Err)
				return exitCodeErr(2)
			}
			return nil
		},
	}
	cmd.Flags().String("chat-id", "cli", "chat id the message belongs to")
	cmd.Flags().Bool("group", false, "treat the chat as a group chat")
	cmd.Flags().String("user-id", "cli-user", "sender id")
	cmd.Flags().String("user-name", "you", "sender display name")
	return cmd
}

// printSink writes every delivered message as one JSON array of segments per line.
func printSink(w io.Writer) chat.Sink {
	return chat.SinkFunc(func(_ context.Context, _ domain.ChatKey, segs []domain.Segment) error {
		parts := make([]string, 0, len(segs))
		for _, s := range segs {
			data, err := domain.MarshalSegment(s)
			if err != nil {
				return err
			}
			parts = append(parts, string(data))
		}
		_, err := fmt.Fprintf(w, "[%s]\n", strings.Join(parts, ","))
		return err
	})
}
