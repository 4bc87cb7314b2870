package main

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"livestage/internal/core/domain"
)

var (
	streamID    string
	streamTitle string
	chatStdin   bool
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Capture local media and broadcast it to every viewer of a stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd.Context(), domain.RoleHost)
	},
}

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Join a stream as a viewer",
	RunE: func(cmd *cobra.Command, args []string) error {
		if streamID == "" {
			return errors.New("--stream is required")
		}
		return runSession(cmd.Context(), domain.RoleViewer)
	},
}

func init() {
	for _, c := range []*cobra.Command{hostCmd, viewCmd} {
		c.Flags().StringVarP(&streamID, "stream", "s", "", "stream id")
		c.Flags().BoolVar(&chatStdin, "chat", false, "send each line read from stdin as a chat message")
	}
	hostCmd.Flags().StringVarP(&streamTitle, "title", "t", "", "register a new stream with this title when --stream is empty")
}

func runSession(parent context.Context, role domain.Role) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, sync, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer sync()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id := domain.StreamID(streamID)
	if id == "" {
		if streamTitle == "" {
			return errors.New("either --stream or --title is required")
		}
		stream, err := a.streams.CreateStream(ctx, streamTitle, a.signaling.LocalID())
		if err != nil {
			return err
		}
		id = stream.ID
		log.Infow("stream registered", "stream_id", id, "title", stream.Title)
	}

	if chatStdin {
		go a.relayStdin(ctx)
	}
	return a.run(ctx, id, role)
}

// relayStdin sends stdin lines as chat until ctx is done or stdin closes.
func (a *app) relayStdin(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := a.orchestrator.SendChat(ctx, text); err != nil {
			a.log.Warnw("chat not sent", "error", err)
		}
	}
}
