package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/researchroom/internal/identity"
	"github.com/tonimelisma/researchroom/internal/record"
	"github.com/tonimelisma/researchroom/internal/room"
)

func newJoinCmd() *cobra.Command {
	var (
		name   string
		color  string
		roomID string
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Save your name and colour, and create a room",
		Long: `Save the display name and colour other participants will see, then create
a new room named after you. With --room, the identity is saved and the
existing room is used instead.

Colours: ` + strings.Join(paletteNames(), ", "),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJoin(cmd, name, color, roomID)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&color, "color", "blue", "display colour (palette name or hex)")
	cmd.Flags().StringVar(&roomID, "room", "", "join an existing room instead of creating one")

	return cmd
}

func runJoin(cmd *cobra.Command, name, color, roomID string) error {
	if resolvedCfg == nil {
		return errors.New("no configuration loaded")
	}

	ident, err := identity.New(name, color)
	if err != nil {
		return err
	}

	logger := buildLogger(resolvedCfg)
	ctx := cmd.Context()

	if err := identity.Save(identity.Path(resolvedCfg.DataDir), ident); err != nil {
		return err
	}

	logger.Info("identity saved",
		slog.String("name", ident.Name),
		slog.String("color", record.ColorName(ident.Color)),
	)

	out := cmd.OutOrStdout()

	if roomID != "" {
		fmt.Fprintf(out, "Joined as %s. Open the room with:\n  researchroom room %s\n", ident.Name, roomID)
		return nil
	}

	backend, closeBackend, err := openBackend(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	r, err := room.CreateRoom(ctx, backend, ident)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Created %q (/room/%s)\n", r.Name, r.ID)
	fmt.Fprintf(out, "Share the id with others, then open it with:\n  researchroom room %s\n", r.ID)

	return nil
}

func paletteNames() []string {
	names := make([]string, 0, len(record.Palette))
	for _, c := range record.Palette {
		names = append(names, record.ColorName(c))
	}

	return names
}
