package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/taskhive/taskhive-go/pkg/auth"
	"github.com/taskhive/taskhive-go/pkg/storage"
	"github.com/urfave/cli/v3"
)

// TokenCommand creates the token command with subcommands
func TokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Manage stored credentials",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Store an access token, and optionally a refresh token",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "access",
						Usage:    "Access token (JWT)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "refresh",
						Usage: "Refresh token",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return setTokens(c, c.String("access"), c.String("refresh"))
				},
			},
			{
				Name:  "show",
				Usage: "Show stored credential state",
				Action: func(ctx context.Context, c *cli.Command) error {
					return showTokens(c)
				},
			},
			{
				Name:  "clear",
				Usage: "Remove all stored credentials",
				Action: func(ctx context.Context, c *cli.Command) error {
					return clearTokens(c)
				},
			},
		},
	}
}

func setTokens(c *cli.Command, access, refresh string) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := storage.SetTokens(store, access, refresh); err != nil {
		return fmt.Errorf("storing tokens: %w", err)
	}
	if exp, err := auth.ExpiryTime(access); err == nil {
		fmt.Printf("Access token stored (expires %s)\n", exp.Local().Format(time.RFC1123))
	} else {
		fmt.Println("Access token stored")
	}
	if refresh != "" {
		fmt.Println("Refresh token stored")
	}
	return nil
}

func showTokens(c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	access := storage.AccessToken(store)
	if access == "" {
		fmt.Println("No access token stored. Run 'taskhive token set' first.")
		return nil
	}

	fmt.Printf("Access token:  %s\n", truncateToken(access))
	if exp, err := auth.ExpiryTime(access); err == nil {
		state := "valid"
		if time.Now().After(exp) {
			state = "expired"
		}
		fmt.Printf("Expires:       %s (%s)\n", exp.Local().Format(time.RFC1123), state)
	} else {
		fmt.Println("Expires:       unknown (no expiry claim)")
	}
	if storage.RefreshToken(store) != "" {
		fmt.Println("Refresh token: stored")
	} else {
		fmt.Println("Refresh token: none")
	}
	return nil
}

func clearTokens(c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := storage.ClearTokens(store); err != nil {
		return fmt.Errorf("clearing tokens: %w", err)
	}
	fmt.Println("Credentials cleared")
	return nil
}

// truncateToken shortens a token for display without revealing it.
func truncateToken(tok string) string {
	if len(tok) <= 16 {
		return tok
	}
	return tok[:8] + "..." + tok[len(tok)-4:]
}
