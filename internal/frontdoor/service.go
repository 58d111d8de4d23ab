package frontdoor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"frontdoor/internal/redirect"
)

type Service struct {
	cfg    Config
	logger *zap.Logger

	redirects *redirect.Set
	hits      *hitStore
	stats     *statsCollector
	proxy     *originProxy

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// LoadRedirects builds the redirect Set for cfg: the theme's static rules
// plus the configured rule file. Any load error is returned unchanged so
// startup fails instead of serving a partial table.
func LoadRedirects(ctx context.Context, cfg Config, logger *zap.Logger, opts ...redirect.ResolverOption) (*redirect.Set, error) {
	theme, ok := redirect.ParseTheme(cfg.Theme)
	if !ok {
		logger.Warn("unknown theme, using default",
			zap.String("theme", cfg.Theme),
			zap.String("default", string(redirect.DefaultTheme)))
	}

	if d := cfg.Redirects.loadTimeoutDur; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	fileRules, err := redirect.LoadFile(ctx, cfg.Redirects.Dir, cfg.Redirects.File)
	if err != nil {
		return nil, err
	}

	set, err := redirect.Build(theme, fileRules, opts...)
	if err != nil {
		return nil, err
	}
	logger.Info("redirects loaded",
		zap.String("theme", string(theme)),
		zap.String("file", cfg.Redirects.File),
		zap.Int("file_rules", len(fileRules)),
		zap.Int("exact", set.Table.Len()),
		zap.Int("patterns", set.Patterns.Len()))
	return set, nil
}

// NewService runs the bootstrap: redirect rules are fully loaded before it
// returns, so the handler never sees a partial table.
func NewService(ctx context.Context, cfg Config, logger *zap.Logger) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		logger: logger,
		stats:  newStatsCollector(),
		stopCh: make(chan struct{}),
	}

	set, err := LoadRedirects(ctx, cfg, logger, redirect.OnRedirect(s.recordRedirect))
	if err != nil {
		return nil, err
	}
	s.redirects = set

	hits, err := newHitStore(cfg.Stats.Path, logger)
	if err != nil {
		return nil, err
	}
	s.hits = hits
	s.proxy = newOriginProxy(cfg.Server.Origin, s.stats, logger)

	if cfg.Redirects.Watch {
		if err := s.watchRuleFile(); err != nil {
			s.Close()
			return nil, err
		}
	}

	if every := cfg.Stats.logEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}

	return s, nil
}

// Close stops background work and flushes the hit store. Safe to call twice.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.proxy.client.CloseIdleConnections()
		if err := s.hits.close(); err != nil {
			s.logger.Warn("close hit store", zap.Error(err))
		}
	})
}

// Handler is the full request chain: request id, access log, exact
// redirects, pattern redirects, admin endpoints, origin.
func (s *Service) Handler() http.Handler {
	h := s.adminRouter(s.proxy)
	h = s.redirects.Handler(h)
	h = withAccessLog(s.logger, h)
	return withRequestID(h)
}

func (s *Service) recordRedirect(_ *http.Request, rule redirect.Rule) {
	s.stats.ObserveRedirect()
	s.hits.Record(rule, time.Now())
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			fields := []zap.Field{
				zap.Uint64("redirects", ss.Redirects),
				zap.Uint64("proxied", ss.Proxied),
				zap.Uint64("proxy_errors", ss.ProxyErrors),
				zap.String("resp_min", formatBytes(ss.MinRespBytes)),
				zap.String("resp_avg", formatBytes(ss.AvgRespBytes)),
				zap.String("resp_max", formatBytes(ss.MaxRespBytes)),
			}
			if rss, ok := processRSSBytes(); ok {
				fields = append(fields, zap.String("rss", formatBytes(rss)))
			}
			s.logger.Info("stats", fields...)
		}
	}
}
