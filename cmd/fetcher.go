package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-orchestrator/internal/config"
	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
	collyfetcher "github.com/JakeFAU/fetch-orchestrator/internal/fetcher/colly"
	"github.com/JakeFAU/fetch-orchestrator/internal/fetcher/headless"
)

// buildFetcher returns the configured Fetcher and a func releasing it.
func buildFetcher(cfg config.FetcherConfig, logger *zap.Logger) (fetch.Fetcher, func(), error) {
	switch cfg.Kind {
	case config.FetcherHeadless:
		f, err := headless.New(headless.Config{
			MaxParallel: cfg.HeadlessMaxParallel,
			UserAgent:   cfg.UserAgent,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		return f, f.Close, nil
	default:
		f := collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.UserAgent,
			RespectRobots: cfg.RespectRobots,
			Logger:        logger.Named("colly"),
		})
		return f, func() {}, nil
	}
}
