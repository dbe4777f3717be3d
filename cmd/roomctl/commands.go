package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/karthikraju391/roomsync/models"
	"github.com/karthikraju391/roomsync/reconcile"
)

func init() {
	sendCmd.Flags().String("reply", "", "server id of the message to quote")
	uploadCmd.Flags().String("caption", "", "text sent with the file")
	uploadCmd.Flags().String("reply", "", "server id of the message to quote")
	historyCmd.Flags().Int("older", 0, "number of older pages to load as well")

	rootCmd.AddCommand(tailCmd, historyCmd, sendCmd, deleteCmd, resendCmd, uploadCmd)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the room's history and follow new messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		s, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		out := newPrinter(cmd.OutOrStdout(), time.Local)
		msgs, err := s.room.Messages()
		if err != nil {
			return err
		}
		out.update(msgs, time.Now())
		for {
			select {
			case msgs := <-s.room.Changes():
				out.update(msgs, time.Now())
			case <-ctx.Done():
				return nil
			}
		}
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the room's latest messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		s, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		older, _ := cmd.Flags().GetInt("older")
		for i := 0; i < older && s.room.HasOlder(); i++ {
			if _, err := s.room.LoadOlder(ctx); err != nil {
				return err
			}
		}
		msgs, err := s.room.Messages()
		if err != nil {
			return err
		}
		newPrinter(cmd.OutOrStdout(), time.Local).update(msgs, time.Now())
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [text...]",
	Short: "Send a message and wait for the relay to confirm it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		s, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := quoteFromFlag(cmd, s.room); err != nil {
			return err
		}
		msg, err := s.room.Send(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		return reportOutcome(cmd, s, msg.LocalID, "")
	},
}

var resendCmd = &cobra.Command{
	Use:   "resend [text...]",
	Short: "Send a message, retrying once if it is not confirmed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		s, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		msg, err := s.room.Send(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		got, err := s.awaitOutcome(ctx, msg.LocalID, "")
		if err != nil {
			return err
		}
		if got.State == models.StateFailed {
			fmt.Fprintln(cmd.ErrOrStderr(), "not confirmed, resending")
			if _, err := s.room.Resend(ctx, got.Key()); err != nil {
				return err
			}
		}
		return reportOutcome(cmd, s, msg.LocalID, "")
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [server-id]",
	Short: "Delete a message for everyone in the room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		s, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.room.Delete(ctx, models.ServerKey(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload [path]",
	Short: "Upload a file into the room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}

		s, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := quoteFromFlag(cmd, s.room); err != nil {
			return err
		}
		caption, _ := cmd.Flags().GetString("caption")
		name := filepath.Base(args[0])
		errOut := cmd.ErrOrStderr()
		total := humanize.Bytes(uint64(info.Size()))
		msg, err := s.room.SendFile(ctx, reconcile.FileRequest{
			Name:     name,
			MimeType: mime.TypeByExtension(filepath.Ext(name)),
			Size:     info.Size(),
			Body:     f,
			Caption:  caption,
		}, func(p float64) {
			fmt.Fprintf(errOut, "\r%s %3.0f%% of %s", name, p*100, total)
		})
		fmt.Fprintln(errOut)
		if err != nil {
			return err
		}
		return reportOutcome(cmd, s, "", msg.Key())
	},
}

func quoteFromFlag(cmd *cobra.Command, e *reconcile.Engine) error {
	id, _ := cmd.Flags().GetString("reply")
	if id == "" {
		return nil
	}
	if _, err := e.QuoteForReply(models.ServerKey(id)); err != nil {
		return fmt.Errorf("quote %s: %w", id, err)
	}
	return nil
}

func reportOutcome(cmd *cobra.Command, s *session, localID, key string) error {
	m, err := s.awaitOutcome(cmd.Context(), localID, key)
	if err != nil {
		return err
	}
	if m.State == models.StateFailed {
		return fmt.Errorf("message %s was not confirmed", m.LocalID)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", m.ServerID)
	return nil
}
