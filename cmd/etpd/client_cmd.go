package main

import (
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/codefionn/etp/internal/command"
	"github.com/codefionn/etp/internal/daemon"
	"github.com/codefionn/etp/internal/services"
)

var (
	clientFormat string
	clientNUL    bool
)

var clientCmd = &cobra.Command{
	Use:   "client [message]",
	Short: "Send a message, or stdin lines, to a service and print replies",
	Long: `Without a message, lines are read from stdin. Messages that parse as
text commands are re-encoded with --format before sending.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		format, err := command.ParseFormat(clientFormat)
		if err != nil {
			return err
		}

		opts := services.ConsoleOptions{
			In:     cmd.InOrStdin(),
			Out:    cmd.OutOrStdout(),
			Format: format,
		}
		if len(args) == 1 {
			opts.Message = args[0]
		} else {
			opts.Prompt = term.IsTerminal(int(os.Stdin.Fd()))
		}
		if clientNUL {
			opts.Delimiter = "\x00"
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cs := services.NewConsole(opts, cfg.DaemonOptions()...)
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		if err := cs.Connect(ctx, addr, daemon.ConnectOptions{}); err != nil {
			return err
		}
		if err := cs.Run(ctx); err != nil && !errors.Is(err, daemon.ErrStopped) {
			return err
		}
		<-cs.Done()
		return nil
	},
}

func init() {
	clientCmd.Flags().StringVar(&clientFormat, "format", "text", "Command format: text, sms or json")
	clientCmd.Flags().BoolVar(&clientNUL, "nul", false, "Terminate messages with NUL instead of newline")
	rootCmd.AddCommand(clientCmd)
}
