package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/karthikraju391/roomsync/api"
	"github.com/karthikraju391/roomsync/config"
	"github.com/karthikraju391/roomsync/logger"
	"github.com/karthikraju391/roomsync/models"
	"github.com/karthikraju391/roomsync/reconcile"
	"github.com/karthikraju391/roomsync/room"
	"github.com/karthikraju391/roomsync/transport"
	"github.com/karthikraju391/roomsync/upload"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "roomctl",
	Short: "Talk to a roomsync relay from the terminal",
	Long: `roomctl joins a room on a roomsync relay and lets you follow it,
send messages and files, reply and delete.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path (default roomsync.toml)")
	flags.StringP("room", "r", "", "entity id of the room")
	flags.StringP("kind", "k", string(room.KindChat), "channel kind: "+kindList())
	flags.String("user", "", "your user id (overrides client.user_id)")
	flags.String("name", "", "your display name (overrides client.user_name)")
	flags.String("url", "", "relay base URL (overrides client.base_url)")
	flags.BoolP("verbose", "v", false, "enable debug logging")
}

func kindList() string {
	kinds := room.Kinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return strings.Join(out, ", ")
}

// session is one connected room.
type session struct {
	cfg    config.Config
	log    *slog.Logger
	self   models.Identity
	socket *transport.Socket
	rooms  *reconcile.Manager
	room   *reconcile.Engine
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if v, _ := flags.GetString("user"); v != "" {
		cfg.Client.UserID = v
	}
	if v, _ := flags.GetString("name"); v != "" {
		cfg.Client.UserName = v
	}
	if v, _ := flags.GetString("url"); v != "" {
		cfg.Client.BaseURL = strings.TrimRight(v, "/")
		cfg.Client.SocketURL = "ws" + strings.TrimPrefix(cfg.Client.BaseURL, "http") + "/ws"
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openSession connects to the relay and switches to the room named by the
// flags, loading its latest history.
func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Log)

	entity, _ := cmd.Flags().GetString("room")
	if strings.TrimSpace(entity) == "" {
		return nil, fmt.Errorf("--room is required")
	}
	kindFlag, _ := cmd.Flags().GetString("kind")
	kind, err := room.ParseKind(kindFlag)
	if err != nil {
		return nil, err
	}
	if cfg.Client.UserID == "" {
		return nil, fmt.Errorf("a user id is required (--user or client.user_id)")
	}
	self := models.Identity{ID: cfg.Client.UserID, Name: cfg.Client.UserName}

	sock := transport.NewSocket(log, cfg.Client.SocketURL+"?userId="+self.ID,
		transport.WithTimeouts(cfg.Socket.WriteWait.Duration, cfg.Socket.PongWait.Duration),
		transport.WithMaxMessageSize(cfg.Socket.MaxMessageSize),
	)
	if err := sock.Connect(ctx); err != nil {
		return nil, err
	}

	client := api.New(cfg.Client.BaseURL, api.WithLogger(log))
	rooms := reconcile.NewManager(sock, client, reconcile.Options{
		Self:         self,
		AckTimeout:   cfg.Client.AckTimeout.Duration,
		HistoryLimit: cfg.Client.HistoryLimit,
		Viewed:       client,
		Uploader:     upload.NewPipeline(log, client),
		Logger:       log,
	})
	engine, err := rooms.Switch(ctx, entity, kind)
	if err != nil {
		rooms.CloseAll()
		_ = sock.Close()
		return nil, err
	}
	return &session{cfg: cfg, log: log, self: self, socket: sock, rooms: rooms, room: engine}, nil
}

func (s *session) Close() {
	s.rooms.CloseAll()
	_ = s.socket.Close()
}

// awaitOutcome waits until the message identified by localID (or, for
// uploads, key) is confirmed or failed.
func (s *session) awaitOutcome(ctx context.Context, localID, key string) (models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Client.AckTimeout.Duration+s.cfg.Socket.WriteWait.Duration)
	defer cancel()

	check := func(msgs []models.Message) (models.Message, bool) {
		for _, m := range msgs {
			if (localID != "" && m.LocalID == localID) || (key != "" && m.Key() == key) {
				if m.State == models.StateConfirmed || m.State == models.StateFailed {
					return m, true
				}
			}
		}
		return models.Message{}, false
	}

	msgs, err := s.room.Messages()
	if err != nil {
		return models.Message{}, err
	}
	if m, ok := check(msgs); ok {
		return m, nil
	}
	for {
		select {
		case msgs := <-s.room.Changes():
			if m, ok := check(msgs); ok {
				return m, nil
			}
		case <-ctx.Done():
			return models.Message{}, fmt.Errorf("no confirmation from relay: %w", ctx.Err())
		}
	}
}
