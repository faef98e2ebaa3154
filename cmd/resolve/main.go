// Command resolve follows shortened product links and prints one JSON line per URL.
//
//	resolve https://amzn.to/3xyz https://bit.ly/abc
//	cat links.txt | resolve
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docutag/monetizer/config"
	"github.com/docutag/monetizer/platform"
	"github.com/docutag/monetizer/resolver"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	resolverConfig := cfg.ResolverConfig()

	maxHops := flag.Int("max-redirects", resolverConfig.MaxHops, "Maximum redirect hops per URL")
	timeout := flag.Duration("hop-timeout", resolverConfig.HopTimeout, "Timeout of each hop")
	concurrency := flag.Int("concurrency", resolverConfig.Concurrency, "URLs resolved in parallel")
	platformsFile := flag.String("platforms", cfg.PlatformsFile, "Platform table replacing the embedded one")
	flag.Parse()

	resolverConfig.MaxHops = *maxHops
	resolverConfig.HopTimeout = *timeout
	resolverConfig.Concurrency = *concurrency

	platforms := platform.MustDefault()
	if *platformsFile != "" {
		platforms, err = platform.LoadFile(*platformsFile)
		if err != nil {
			logger.Error("failed to load platform table", "error", err)
			os.Exit(1)
		}
	}

	urls := flag.Args()
	if len(urls) == 0 {
		urls, err = readURLs(os.Stdin)
		if err != nil {
			logger.Error("failed to read urls", "error", err)
			os.Exit(1)
		}
	}
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "usage: resolve [flags] url...  (or urls on stdin, one per line)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := resolver.New(resolverConfig, resolver.WithPlatforms(platforms), resolver.WithLogger(logger))

	out := json.NewEncoder(os.Stdout)
	failed := false
	for _, result := range res.ResolveMany(ctx, urls) {
		if result.Error != "" {
			failed = true
		}
		if err := out.Encode(result); err != nil {
			logger.Error("failed to write result", "error", err)
			os.Exit(1)
		}
	}
	if failed {
		os.Exit(1)
	}
}

// readURLs returns the non-blank lines of r, skipping # comments
func readURLs(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}
