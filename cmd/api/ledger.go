package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-huddle/backend/internal/service/ledger"
)

func newLedgerCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect a Badger integrity ledger offline",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "data/ledger", "ledger directory")

	open := func() (*ledger.Ledger, error) {
		backend, err := ledger.OpenBadgerBackend(path)
		if err != nil {
			return nil, errors.Wrapf(err, "open ledger at %s", path)
		}
		return ledger.New(backend), nil
	}

	var sessionID, messageID, content string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check message content against its recorded digest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := open()
			if err != nil {
				return err
			}
			defer l.Close()

			ok, err := l.Verify(cmd.Context(), sessionID, messageID, content)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified=%t\n", ok)
			if !ok {
				return errors.Errorf("content of message %s does not match the ledger", messageID)
			}
			return nil
		},
	}
	verify.Flags().StringVar(&sessionID, "session", "", "session id")
	verify.Flags().StringVar(&messageID, "message", "", "message id")
	verify.Flags().StringVar(&content, "content", "", "candidate content")
	_ = verify.MarkFlagRequired("session")
	_ = verify.MarkFlagRequired("message")

	count := &cobra.Command{
		Use:   "count",
		Short: "Print the recorded messages of a session in order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := open()
			if err != nil {
				return err
			}
			defer l.Close()

			ctx := cmd.Context()
			n, err := l.MessageCount(ctx, sessionID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rec, ok, err := l.SessionRecord(ctx, sessionID); err != nil {
				return err
			} else if ok {
				fmt.Fprintf(out, "session %s digest=%s recorded=%s\n", sessionID, rec.Digest, rec.RecordedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "messages=%d\n", n)
			for i := 0; i < n; i++ {
				id, err := l.MessageIDAt(ctx, sessionID, i)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d\t%s\n", i, id)
			}
			return nil
		},
	}
	count.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = count.MarkFlagRequired("session")

	cmd.AddCommand(verify, count)
	return cmd
}
