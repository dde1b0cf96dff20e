package crawl

import (
	"strings"
	"time"

	"github.com/pagewalk/pagewalk/internal/logger"
	"github.com/pagewalk/pagewalk/internal/metrics"
	"github.com/pagewalk/pagewalk/internal/output"
	"github.com/pagewalk/pagewalk/internal/parser"
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine) error

// WithSeeds adds start URLs for the crawl.
func WithSeeds(urls ...string) Option {
	return func(e *Engine) error {
		e.config.Seeds = append(e.config.Seeds, urls...)
		return nil
	}
}

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			n = 1
		}
		e.config.Workers = n
		return nil
	}
}

// WithMaxDepth sets the maximum crawl depth. Seeds are depth 0.
func WithMaxDepth(depth int) Option {
	return func(e *Engine) error {
		if depth < 1 {
			depth = 1
		}
		e.config.MaxDepth = depth
		return nil
	}
}

// WithMaxPages sets the page budget: a hard ceiling on fetches.
func WithMaxPages(pages int) Option {
	return func(e *Engine) error {
		if pages < 1 {
			pages = 1
		}
		e.config.MaxPages = pages
		return nil
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Engine) error {
		e.config.Timeout = timeout
		return nil
	}
}

// WithUserAgent sets the user agent string.
func WithUserAgent(ua string) Option {
	return func(e *Engine) error {
		e.config.UserAgent = ua
		return nil
	}
}

// WithRateLimit sets the per-host request rate.
func WithRateLimit(rps float64) Option {
	return func(e *Engine) error {
		e.config.RateLimit.PerHostRPS = rps
		return nil
	}
}

// WithRespectRobots enables/disables robots.txt handling.
func WithRespectRobots(respect bool) Option {
	return func(e *Engine) error {
		e.config.RateLimit.RespectRobots = respect
		return nil
	}
}

// WithRobotsFallback sets the policy for hosts whose robots.txt cannot
// be fetched: "allow" or "deny".
func WithRobotsFallback(policy string) Option {
	return func(e *Engine) error {
		e.config.RateLimit.RobotsFallback = policy
		return nil
	}
}

// WithBreaker toggles the per-host circuit breaker that skips hosts
// after repeated transport failures.
func WithBreaker(enabled bool) Option {
	return func(e *Engine) error {
		e.config.RateLimit.Breaker = enabled
		return nil
	}
}

// WithAllowedDomains allows extra domains beyond the seed origins.
func WithAllowedDomains(domains ...string) Option {
	return func(e *Engine) error {
		e.config.Scope.AllowedDomains = append(e.config.Scope.AllowedDomains, domains...)
		return nil
	}
}

// WithIncludePatterns adds URL patterns to include.
func WithIncludePatterns(patterns ...string) Option {
	return func(e *Engine) error {
		e.config.Scope.IncludePatterns = append(e.config.Scope.IncludePatterns, patterns...)
		return nil
	}
}

// WithExcludePatterns adds URL patterns to exclude.
func WithExcludePatterns(patterns ...string) Option {
	return func(e *Engine) error {
		e.config.Scope.ExcludePatterns = append(e.config.Scope.ExcludePatterns, patterns...)
		return nil
	}
}

// WithDefaultExcludes toggles the built-in exclude patterns that skip
// logout links and binary downloads.
func WithDefaultExcludes(enabled bool) Option {
	return func(e *Engine) error {
		e.config.Scope.DefaultExcludes = enabled
		return nil
	}
}

// WithFollowExternal enables following links to hosts outside the
// allow list.
func WithFollowExternal(follow bool) Option {
	return func(e *Engine) error {
		e.config.Scope.FollowExternal = follow
		return nil
	}
}

// WithRenderMode selects how pages are fetched: RenderHTTP or
// RenderBrowser.
func WithRenderMode(mode string) Option {
	return func(e *Engine) error {
		e.config.Render = mode
		return nil
	}
}

// WithRetry sets the retry policy for transient fetch failures.
func WithRetry(retry RetryConfig) Option {
	return func(e *Engine) error {
		e.config.Retry = retry
		return nil
	}
}

// WithSink sets a custom record sink. The engine takes ownership and
// closes it when the crawl finishes.
func WithSink(sink output.Sink) Option {
	return func(e *Engine) error {
		e.sink = sink
		return nil
	}
}

// WithSinkFile sets the output path. Known extensions select the
// format: .csv, .db/.sqlite, .jsonl/.ndjson.
func WithSinkFile(path string) Option {
	return func(e *Engine) error {
		e.config.Sink.Path = path
		switch {
		case strings.HasSuffix(path, ".csv"):
			e.config.Sink.Format = output.FormatCSV
		case strings.HasSuffix(path, ".db"), strings.HasSuffix(path, ".sqlite"):
			e.config.Sink.Format = output.FormatSQLite
		case strings.HasSuffix(path, ".jsonl"), strings.HasSuffix(path, ".ndjson"):
			e.config.Sink.Format = output.FormatJSONL
		}
		return nil
	}
}

// WithProcessor sets a custom page processor.
func WithProcessor(p parser.Processor) Option {
	return func(e *Engine) error {
		e.processor = p
		return nil
	}
}

// WithStateFile sets the state file path for persistence.
func WithStateFile(path string) Option {
	return func(e *Engine) error {
		e.config.State.File = path
		return nil
	}
}

// WithResume makes Run restore pending work from the state file
// instead of starting from the seeds.
func WithResume(resume bool) Option {
	return func(e *Engine) error {
		e.config.State.Resume = resume
		return nil
	}
}

// WithAutoSave enables/disables periodic state saving.
func WithAutoSave(enabled bool, intervalSeconds int) Option {
	return func(e *Engine) error {
		e.config.State.AutoSave = enabled
		e.config.State.Interval = intervalSeconds
		return nil
	}
}

// WithSitemaps enables seeding from robots-declared sitemaps.
func WithSitemaps(enabled bool) Option {
	return func(e *Engine) error {
		e.config.Sitemaps = enabled
		return nil
	}
}

// WithBrowserPool sets the browser pool size.
func WithBrowserPool(size int) Option {
	return func(e *Engine) error {
		if size < 1 {
			size = 1
		}
		e.config.Browser.PoolSize = size
		return nil
	}
}

// WithHeadless enables/disables headless browser mode.
func WithHeadless(headless bool) Option {
	return func(e *Engine) error {
		e.config.Browser.Headless = headless
		return nil
	}
}

// WithCustomHeaders sets custom headers for all requests.
func WithCustomHeaders(headers map[string]string) Option {
	return func(e *Engine) error {
		if e.config.Headers == nil {
			e.config.Headers = make(map[string]string)
		}
		for k, v := range headers {
			e.config.Headers[k] = v
		}
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) error {
		e.log = l
		return nil
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level logger.Level) Option {
	return func(e *Engine) error {
		if e.log != nil {
			e.log.SetLevel(level)
		}
		return nil
	}
}

// WithMetrics sets a custom metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithProgress enables/disables the progress bar display.
func WithProgress(enabled bool) Option {
	return func(e *Engine) error {
		e.showProgress = enabled
		return nil
	}
}

// WithVerbose enables/disables verbose logging.
func WithVerbose(verbose bool) Option {
	return func(e *Engine) error {
		e.config.Verbose = verbose
		return nil
	}
}

// WithDebug enables/disables debug mode.
func WithDebug(debug bool) Option {
	return func(e *Engine) error {
		e.config.Debug = debug
		return nil
	}
}

// WithConfig sets the entire configuration.
func WithConfig(config *Config) Option {
	return func(e *Engine) error {
		e.config = config
		return nil
	}
}
