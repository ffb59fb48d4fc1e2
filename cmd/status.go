package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/taskhive/taskhive-go/pkg/auth"
	"github.com/taskhive/taskhive-go/pkg/storage"
	"github.com/urfave/cli/v3"
)

// StatusCommand creates the status command
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show configuration and credential status",
		Action: func(ctx context.Context, c *cli.Command) error {
			return showStatus(c)
		},
	}
}

func showStatus(c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	fmt.Printf("Config file:   %s\n", c.String("config"))
	fmt.Printf("Server URL:    %s\n", cfg.ServerURL)
	fmt.Printf("Realtime URL:  %s\n", cfg.ResolveRealtimeURL())
	fmt.Printf("Refresh URL:   %s\n", cfg.RefreshURL())
	fmt.Printf("Storage:       %s\n", cfg.DBPath())

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	access := storage.AccessToken(store)
	switch {
	case access == "":
		fmt.Println("Token:         none (run 'taskhive token set')")
	default:
		exp, err := auth.ExpiryTime(access)
		switch {
		case err != nil:
			fmt.Println("Token:         stored (no expiry claim)")
		case time.Now().After(exp):
			fmt.Printf("Token:         expired %s\n", exp.Local().Format(time.RFC1123))
		default:
			fmt.Printf("Token:         valid until %s\n", exp.Local().Format(time.RFC1123))
		}
	}
	if storage.RefreshToken(store) != "" {
		fmt.Println("Refresh token: stored")
	} else {
		fmt.Println("Refresh token: none")
	}
	return nil
}
