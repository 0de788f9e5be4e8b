// Command probe is a headless signaling participant for smoke-testing a
// live-class deployment: it joins a room as mentor or viewer and negotiates
// a real peer connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"liveclass-signaling/pkg/client"
	"liveclass-signaling/pkg/signaling"
)

var (
	flagServer      string
	flagParticipant string
	flagSTUN        string
	flagTURN        string
	flagTURNUser    string
	flagTURNPass    string
	flagTimeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "probe",
	Short: "Headless live-class signaling participant",
}

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room and negotiate a peer connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		if role != signaling.RoleMentor && role != signaling.RoleViewer {
			return fmt.Errorf("invalid role %q", role)
		}
		return join(args[0], role)
	},
}

func join(roomID, role string) error {
	c := client.New(client.Options{
		ServerURL:     flagServer,
		RoomID:        roomID,
		Role:          role,
		ParticipantID: flagParticipant,
		STUNURLs:      splitCSV(flagSTUN),
		TURNURLs:      splitCSV(flagTURN),
		TURNUsername:  flagTURNUser,
		TURNPassword:  flagTURNPass,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if flagTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flagTimeout)
		defer cancel()
	}

	err := c.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func splitCSV(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func initLogging() {
	level := slog.LevelInfo
	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		switch l {
		case "debug", "dev":
			level = slog.LevelDebug
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	initLogging()

	joinCmd.Flags().String("role", signaling.RoleViewer, "participant role (mentor or viewer)")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "ws://localhost:8080/ws", "signaling server URL")
	rootCmd.PersistentFlags().StringVar(&flagParticipant, "participant", "", "participant id to resume after a reconnect")
	rootCmd.PersistentFlags().StringVar(&flagSTUN, "stun", "stun:stun.l.google.com:19302", "comma-separated STUN URLs")
	rootCmd.PersistentFlags().StringVar(&flagTURN, "turn", "", "comma-separated TURN URLs")
	rootCmd.PersistentFlags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	rootCmd.PersistentFlags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 0, "give up after this long (0 = run until interrupted)")
	rootCmd.AddCommand(joinCmd)

	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		slog.Error("probe failed", "err", err)
		os.Exit(1)
	}
}
