package cli

import (
	"context"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/harun/aide/pkg/control"
	"github.com/spf13/cobra"
)

var (
	sendSender  string
	sendTier    string
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message to the running daemon and print the reply",
	Long: `Send a message through the daemon's control socket and wait for the reply.
"/new" or "/reset" archives the conversation instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List conversations known to the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	sendCmd.Flags().StringVar(&sendSender, "sender", "", "sender name (default is the current user)")
	sendCmd.Flags().StringVar(&sendTier, "tier", "", "model tier override")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Minute, "how long to wait for the reply")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sender := sendSender
	if sender == "" {
		sender = currentUser()
	}
	req := control.Request{
		Action: control.ActionSend,
		Sender: sender,
		Text:   strings.Join(args, " "),
		Tier:   sendTier,
	}
	if control.IsResetCommand(req.Text) {
		req = control.Request{Action: control.ActionReset, Sender: sender}
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), sendTimeout)
	defer cancel()
	resp, err := control.Call(ctx, cfg.Control.SocketPath, req)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), 10*time.Second)
	defer cancel()
	resp, err := control.Call(ctx, cfg.Control.SocketPath, control.Request{Action: control.ActionSessions})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	for _, s := range resp.Sessions {
		fmt.Fprintf(out, "%-28s %-24s %4d messages  updated %s\n",
			s.SenderKey, s.SessionID, s.Messages, s.UpdatedAt.Local().Format(time.DateTime))
	}
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "local"
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
