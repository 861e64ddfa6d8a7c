package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-crawler/model"
	"github.com/dhcgn/mail-crawler/runner"
	"github.com/dhcgn/mail-crawler/spamc"
)

type spamcOptions struct {
	addr     string
	user     string
	timeout  time.Duration
	sender   string
	receiver string
}

func (o *spamcOptions) client() (*spamc.Client, error) {
	c, err := runner.NewSpamdClient(o.addr)
	if err != nil {
		return nil, err
	}
	c.User = o.user
	return c, nil
}

func (o *spamcOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

// checkArgs wraps the message read from path, or stdin for "-" or no path.
func (o *spamcOptions) checkArgs(cmd *cobra.Command, args []string) (spamc.CheckArgs, error) {
	var (
		raw []byte
		err error
	)
	if len(args) == 0 || args[0] == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		return spamc.CheckArgs{}, fmt.Errorf("read message: %w", err)
	}
	return messageArgs(raw, o.sender, o.receiver), nil
}

// messageArgs scores the text body of a parseable message and the raw
// input otherwise.
func messageArgs(raw []byte, sender, receiver string) spamc.CheckArgs {
	m, err := model.ParseMail(raw)
	if err != nil {
		return spamc.NewCheckArgs(sender, receiver, string(raw))
	}
	text, _ := m.TextBody()
	args := spamc.NewCheckArgs(sender, receiver, text)
	if subject := m.Subject(); subject != "" {
		args.Subject = subject
	}
	return args
}

func newSpamcCmd() *cobra.Command {
	opts := &spamcOptions{}

	cmd := &cobra.Command{
		Use:   "spamc",
		Short: "Talk to a spamd daemon",
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.addr, "addr", "localhost", "spamd address host[:port]")
	flags.StringVar(&opts.user, "user", "", "User header sent with each request")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")
	flags.StringVar(&opts.sender, "sender", "crawler@localhost", "Envelope sender address")
	flags.StringVar(&opts.receiver, "receiver", "crawler@localhost", "Envelope receiver address")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ping",
			Short: "Check that spamd answers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, err := opts.client()
				if err != nil {
					return err
				}
				ctx, cancel := opts.context(cmd)
				defer cancel()
				start := time.Now()
				if err := c.Ping(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "PONG from %s in %s\n", c.Addr, time.Since(start).Round(time.Millisecond))
				return nil
			},
		},
		&cobra.Command{
			Use:   "check [message file]",
			Short: "Report whether a message is spam",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.client()
				if err != nil {
					return err
				}
				msg, err := opts.checkArgs(cmd, args)
				if err != nil {
					return err
				}
				ctx, cancel := opts.context(cmd)
				defer cancel()
				res, err := c.Check(ctx, msg)
				if err != nil {
					return err
				}
				printVerdict(cmd.OutOrStdout(), res)
				return nil
			},
		},
		&cobra.Command{
			Use:   "symbols [message file]",
			Short: "List the spamd tests a message hits",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.client()
				if err != nil {
					return err
				}
				msg, err := opts.checkArgs(cmd, args)
				if err != nil {
					return err
				}
				ctx, cancel := opts.context(cmd)
				defer cancel()
				res, err := c.Symbols(ctx, msg)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printVerdict(out, res.CheckResult)
				for _, sym := range res.Symbols {
					fmt.Fprintf(out, "  %s\n", sym)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "report [message file]",
			Short: "Print the spamd report for a message",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.client()
				if err != nil {
					return err
				}
				msg, err := opts.checkArgs(cmd, args)
				if err != nil {
					return err
				}
				ctx, cancel := opts.context(cmd)
				defer cancel()
				res, err := c.Report(ctx, msg)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printVerdict(out, res.CheckResult)
				fmt.Fprintln(out, res.Report)
				return nil
			},
		},
		newTellCmd(opts),
	)
	return cmd
}

func newTellCmd(opts *spamcOptions) *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "tell [message file]",
		Short: "Teach spamd about a message",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := spamc.ParseTellAction(action)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			msg, err := opts.checkArgs(cmd, args)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			res, err := c.Tell(ctx, act, msg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "set: %t, removed: %t\n", res.DidSet, res.DidRemove)
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", "learn", "One of learn, forget, report, revoke")
	return cmd
}

func printVerdict(w io.Writer, res spamc.CheckResult) {
	verdict := "ham"
	if res.IsSpam {
		verdict = "spam"
	}
	fmt.Fprintf(w, "%s (score %.1f / threshold %.1f)\n", verdict, res.Score, res.Threshold)
}
