package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/chatsync/internal/config"
	"github.com/manpreetbhatti/chatsync/internal/conn"
	"github.com/manpreetbhatti/chatsync/internal/logging"
	"github.com/manpreetbhatti/chatsync/internal/session"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFlag string
	var urlFlag string
	var roomFlag string

	cmd := &cobra.Command{
		Use:   "chatsync",
		Short: "Join a chat room from the terminal",
		Long:  "Connects to a chatsync server and reads commands from stdin. Type /help for the command list.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(configFlag)
			if err != nil {
				return err
			}
			if urlFlag != "" {
				cfg.URL = urlFlag
			}
			if roomFlag != "" {
				cfg.Room = roomFlag
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.New(cfg.LogLevel, cfg.IsDevelopment(), cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mgr := conn.New(conn.Config{URL: cfg.URL, Logger: logger})
			sess := session.New(mgr, session.Options{
				Catalog:     cfg.Rooms,
				GracePeriod: cfg.GracePeriod,
				Logger:      logger,
			})

			runDone := make(chan struct{})
			go func() {
				defer close(runDone)
				sess.Run(ctx)
			}()
			defer func() {
				stop()
				<-runDone
			}()

			if err := mgr.Connect(ctx); err != nil {
				return fmt.Errorf("connect %s: %w", cfg.URL, err)
			}
			defer mgr.Disconnect()

			out := cmd.OutOrStdout()
			go render(ctx, sess, newPrinter(out))

			if cfg.Room != "" {
				if err := sess.JoinRoom(ctx, cfg.Room); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			}

			return readLoop(ctx, cmd.InOrStdin(), &repl{sess: sess, mgr: mgr, out: out})
		},
	}

	cmd.Flags().StringVar(&configFlag, "config", "", "config file (default: $CHATSYNC_CONFIG)")
	cmd.Flags().StringVar(&urlFlag, "url", "", "server websocket URL")
	cmd.Flags().StringVar(&roomFlag, "room", "", "room to join on start")
	return cmd
}

func render(ctx context.Context, sess *session.Session, p *printer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Updates():
			p.render(sess.View())
		}
	}
}

// readLoop feeds stdin lines to the repl until EOF, /quit or ctx ends.
func readLoop(ctx context.Context, in io.Reader, r *repl) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := r.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(r.out, "! %v\n", err)
			}
		}
	}
}
