package cmd

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/javi11/bookstream/internal/blockcache"
	"github.com/javi11/bookstream/internal/config"
	"github.com/javi11/bookstream/internal/mirror"
	"github.com/javi11/bookstream/internal/origin"
	"github.com/javi11/bookstream/internal/pathutil"
	"github.com/javi11/bookstream/internal/rangesrc"
	"github.com/javi11/bookstream/internal/slogutil"
)

// stack is the wired component graph shared by the subcommands.
type stack struct {
	cfg   *config.Config
	pool  *mirror.Pool
	cache *blockcache.Cache
	src   rangesrc.Source
}

// buildStack loads config, wires logging, and assembles
// origin client -> mirror pool -> sparse cache -> range source.
func buildStack() (*stack, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	slogutil.Setup(cfg.Log)

	client := origin.NewClient(origin.Options{
		HeadTimeout:  cfg.Origin.HeadTimeout,
		GetTimeout:   cfg.Origin.GetTimeout,
		MaxRedirects: cfg.Origin.MaxRedirects,
		UserAgent:    cfg.Origin.UserAgent,
	})

	pool, err := mirror.NewPool(client, cfg.Mirrors, nil)
	if err != nil {
		return nil, err
	}

	s := &stack{cfg: cfg, pool: pool}

	if cfg.Cache.Enabled {
		if err := pathutil.CheckDirectoryWritable(cfg.Cache.CacheDir); err != nil {
			return nil, fmt.Errorf("cache directory: %w", err)
		}

		cache, err := blockcache.NewCache(afero.NewOsFs(), pool, blockcache.Config{
			CacheDir:           cfg.Cache.CacheDir,
			BlockSize:          cfg.Cache.BlockSize,
			MaxCoalesceGap:     cfg.Cache.MaxCoalesceGap,
			ValidationInterval: cfg.Cache.ValidationInterval,
			MaxBooks:           cfg.Cache.MaxBooks,
		})
		if err != nil {
			return nil, fmt.Errorf("init sparse cache: %w", err)
		}
		s.cache = cache
		s.src = rangesrc.NewCacheSource(cache)
	} else {
		s.src = rangesrc.NewDirectSource(pool)
	}

	return s, nil
}

func (s *stack) close() {
	if s.cache != nil {
		s.cache.Close()
	}
}
