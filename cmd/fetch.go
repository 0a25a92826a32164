package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	collyfetcher "github.com/assetforge/scrapegov/internal/fetcher/colly"
)

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch URL [URL...]",
		Short: "Fetch one or more URLs under governance.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.close()

			fetcher := collyfetcher.New(collyfetcher.Config{
				Timeout:           app.cfg.HTTPTimeout(),
				MaxBodyExcerpt:    app.cfg.HTTP.MaxBodyExcerpt,
				CookiePersistence: app.cfg.SessionManagement.CookiePersistence,
			}, app.governor, app.logger)

			for _, rawURL := range args {
				result, err := fetcher.Fetch(cmd.Context(), rawURL)
				if err != nil {
					app.logger.Error("fetch failed", zap.String("url", rawURL), zap.Error(err))
					return fmt.Errorf("fetch %s: %w", rawURL, err)
				}
				app.logger.Info("fetched",
					zap.String("url", result.URL),
					zap.Int("status", result.StatusCode),
					zap.Int("bytes", len(result.Body)),
					zap.Int("attempts", result.Attempts),
					zap.String("session_id", result.SessionID),
					zap.Duration("duration", result.Duration),
				)
			}
			return nil
		},
	}
}
