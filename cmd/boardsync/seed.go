package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/vango-dev/boardsync/internal/config"
	"github.com/vango-dev/boardsync/pkg/access"
	"github.com/vango-dev/boardsync/pkg/store"
)

// seedFile lists users, boards and grants to load into a store:
//
//	[[users]]
//	id = "alice"
//	name = "Alice"
//
//	[[boards]]
//	id = "b1"
//	owner = "alice"
//
//	  [[boards.collaborators]]
//	  user_id = "bob"
//	  access = "edit"
type seedFile struct {
	Users  []seedUser  `toml:"users"`
	Boards []seedBoard `toml:"boards"`
}

type seedUser struct {
	ID    string `toml:"id"`
	Name  string `toml:"name"`
	Email string `toml:"email"`
}

type seedBoard struct {
	ID            string             `toml:"id"`
	Owner         string             `toml:"owner"`
	Collaborators []seedCollaborator `toml:"collaborators"`
}

type seedCollaborator struct {
	UserID string `toml:"user_id"`
	Email  string `toml:"email"`
	Access string `toml:"access"`
	Status string `toml:"status"`
}

func loadSeed(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var f seedFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}
	return &f, nil
}

func (f *seedFile) validate() error {
	for i, u := range f.Users {
		if u.ID == "" {
			return fmt.Errorf("users[%d]: id is required", i)
		}
	}
	for i, b := range f.Boards {
		if b.ID == "" || b.Owner == "" {
			return fmt.Errorf("boards[%d]: id and owner are required", i)
		}
		for j, c := range b.Collaborators {
			if c.UserID == "" {
				return fmt.Errorf("boards[%d].collaborators[%d]: user_id is required", i, j)
			}
			if _, err := access.ParseLevel(c.Access); err != nil {
				return fmt.Errorf("boards[%d].collaborators[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

func (f *seedFile) apply(ctx context.Context, s seeder) error {
	for _, u := range f.Users {
		if err := s.PutUser(ctx, store.User{ID: u.ID, Name: u.Name, Email: u.Email}); err != nil {
			return err
		}
	}
	for _, b := range f.Boards {
		if err := s.CreateBoard(ctx, b.ID, b.Owner); err != nil {
			return err
		}
		for _, c := range b.Collaborators {
			level, err := access.ParseLevel(c.Access)
			if err != nil {
				return err
			}
			status := store.CollaboratorStatus(c.Status)
			if status == "" {
				status = store.StatusAccepted
			}
			err = s.Share(ctx, b.ID, store.Collaborator{
				UserID: c.UserID,
				Email:  c.Email,
				Level:  level,
				Status: status,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

var errSeedUnsupported = errors.New("store driver does not support seeding")

func seedCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <file>",
		Short: "Load users, boards and grants into the store",
		Long: `Load users, boards and collaborator grants from a TOML seed file
into the configured SQL store. Run migrate first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Log)

			f, err := loadSeed(args[0])
			if err != nil {
				return err
			}

			be, err := openBackend(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return err
			}
			defer be.Close()

			if be.seeder == nil || be.driver == config.DriverMemory {
				return fmt.Errorf("%w: %s (use serve --seed for the memory store)", errSeedUnsupported, be.driver)
			}
			if err := f.apply(cmd.Context(), be.seeder); err != nil {
				return err
			}
			success("Seeded %d users and %d boards", len(f.Users), len(f.Boards))
			return nil
		},
	}
	return cmd
}
