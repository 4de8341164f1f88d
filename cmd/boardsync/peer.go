package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/boardsync/internal/config"
	"github.com/vango-dev/boardsync/pkg/client"
	"github.com/vango-dev/boardsync/pkg/protocol"
)

// sceneFile is the on-disk form of a scene, as exported by the editor.
type sceneFile struct {
	Elements        json.RawMessage `json:"elements"`
	BackgroundColor string          `json:"backgroundColor"`
}

func readScene(path string) (client.Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return client.Scene{}, err
	}
	var f sceneFile
	if err := json.Unmarshal(data, &f); err != nil {
		return client.Scene{}, fmt.Errorf("parse scene %s: %w", path, err)
	}
	if !protocol.IsElementArray(f.Elements) {
		return client.Scene{}, fmt.Errorf("scene %s: %w", path, client.ErrInvalidScene)
	}
	return client.Scene{Elements: f.Elements, BackgroundColor: f.BackgroundColor}, nil
}

func peerCmd(configPath *string) *cobra.Command {
	var (
		url       string
		userID    string
		boardID   string
		scenePath string
		viewOnly  bool
		headers   []string
	)

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Join a board as a headless peer",
		Long: `Join a board and log every scene and roster change.

With --scene the peer publishes the given scene once it has received
the board's current state, then keeps following the board.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Log)

			var publish *client.Scene
			if scenePath != "" {
				s, err := readScene(scenePath)
				if err != nil {
					return err
				}
				publish = &s
			}

			header := http.Header{}
			for _, h := range headers {
				name, value, ok := cutHeader(h)
				if !ok {
					return fmt.Errorf("invalid header %q, want Name: value", h)
				}
				header.Add(name, value)
			}

			var c *client.Client
			published := false
			c, err = client.New(client.Config{
				URL:      url,
				UserID:   userID,
				BoardID:  boardID,
				ViewOnly: viewOnly,
				Header:   header,
				Logger:   logger,
			}, client.Handlers{
				Scene: func(s client.Scene) {
					logger.Info("scene", "board_id", c.BoardID(), "bytes", len(s.Elements), "background", s.BackgroundColor)
					if publish != nil && !published {
						published = true
						// Handlers run inside the reconciler's apply; publish once it ends.
						go func() {
							for c.State() == client.StateApplyingRemote {
								time.Sleep(time.Millisecond)
							}
							if _, err := c.LocalChange(*publish); err != nil {
								logger.Error("publish failed", "error", err)
							}
						}()
					}
				},
				Roster: func(users []protocol.User) {
					names := make([]string, 0, len(users))
					for _, u := range users {
						names = append(names, u.Name)
					}
					logger.Info("roster", "board_id", c.BoardID(), "users", names)
				},
				Error: func(n protocol.ErrorNotice) {
					if n.Code == protocol.CodeForbidden {
						c.SetCanEdit(false)
					}
				},
			})
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/ws", "server WebSocket URL")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id to join as")
	cmd.Flags().StringVarP(&boardID, "board", "b", "", "board id to join")
	cmd.Flags().StringVar(&scenePath, "scene", "", "JSON scene file to publish after joining")
	cmd.Flags().BoolVar(&viewOnly, "view-only", false, "never publish local changes")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra upgrade request header (Name: value)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("board")

	return cmd
}

func cutHeader(h string) (string, string, bool) {
	name, value, ok := strings.Cut(h, ":")
	name = strings.TrimSpace(name)
	return name, strings.TrimSpace(value), ok && name != ""
}
