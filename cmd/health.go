package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/collabd/internal/config"
)

func healthCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running server's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				host := cfg.Server.Host
				if host == "0.0.0.0" || host == "" {
					host = "127.0.0.1"
				}
				addr = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
			}

			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get(addr + "/health")
			if err != nil {
				return fmt.Errorf("health check: %w", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			fmt.Printf("%s %s\n", resp.Status, body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server base URL (default: from config)")
	return cmd
}
