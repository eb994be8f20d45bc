package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"previewd/internal/apiclient"

	"github.com/spf13/cobra"
)

var (
	addr    string
	token   string
	userID  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "previewctl",
	Short: "Operate a previewd deployment",
	Long: `previewctl talks to the previewd HTTP API.

It can inspect and trigger background jobs, review and resolve alerts,
and list or stop the caller's preview sessions.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", envOr("PREVIEWD_ADDR", "http://localhost:8080"), "previewd base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("PREVIEWD_TOKEN"), "API bearer token")
	rootCmd.PersistentFlags().StringVar(&userID, "user", envOr("PREVIEWD_USER", "operator"), "user id sent as X-User-ID")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log HTTP retries")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func newClient() *apiclient.Client {
	var w io.Writer = io.Discard
	if verbose {
		w = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return apiclient.New(apiclient.Config{Addr: addr, Token: token, UserID: userID}, logger)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
