package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"

	"github.com/pagewalk/pagewalk/internal/logger"
	"github.com/pagewalk/pagewalk/internal/shutdown"
	"github.com/pagewalk/pagewalk/internal/state"
	"github.com/pagewalk/pagewalk/pkg/crawl"
)

var (
	version = "1.0.0"

	// Global flags
	configFile string
	verbose    bool
	debug      bool

	// Crawl flags
	workers      int
	maxDepth     int
	maxPages     int
	timeout      int
	rateLimit    float64
	userAgent    string
	outputFile   string
	outputFormat string
	stateFile    string
	saveState    bool

	// Scope flags
	allowDomains      []string
	includePatterns   []string
	excludePatterns   []string
	followExternal    bool
	noDefaultExcludes bool

	// Politeness flags
	respectRobots  bool
	robotsFallback string
	sitemaps       bool
	hostBreaker    bool

	// Retry flags
	maxRetries int
	retryDelay time.Duration

	// Render flags
	renderMode  string
	browserPool int
	noHeadless  bool

	// Request flags
	headers []string

	// Preset flags
	politeMode bool
	fastMode   bool

	// Display flags
	showProgress bool
	noProgress   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pagewalk",
		Short: "pagewalk - Polite Website Crawler",
		Long: `pagewalk - A polite, resumable website crawler.

Crawls one or more sites breadth first under per-host rate limits,
honoring robots.txt, with bounded depth and page budgets. Results
stream to JSONL, CSV or SQLite; interrupted crawls resume from a
saved state file.`,
		Version: version,
	}

	// Crawl command
	crawlCmd := &cobra.Command{
		Use:   "crawl [url...]",
		Short: "Crawl one or more seed URLs",
		Long:  "Crawl the given seed URLs and write one record per fetched page.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCrawl,
	}

	// Resume command
	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted crawl",
		Long:  "Resume a previously interrupted crawl from its saved state file.",
		RunE:  runResume,
	}

	// Status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Inspect a saved crawl state",
		Long:  "Show the progress recorded in a crawl state file.",
		RunE:  runStatus,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug mode")

	// Crawl flags
	crawlCmd.Flags().IntVarP(&workers, "workers", "w", 8, "Number of concurrent workers")
	crawlCmd.Flags().IntVarP(&maxDepth, "max-depth", "d", 5, "Maximum crawl depth; seeds are depth 0")
	crawlCmd.Flags().IntVarP(&maxPages, "max-pages", "p", 1000, "Maximum number of pages to fetch")
	crawlCmd.Flags().IntVarP(&timeout, "timeout", "t", 20, "Request timeout in seconds")
	crawlCmd.Flags().Float64VarP(&rateLimit, "rate-limit", "r", 2, "Requests per second per host")
	crawlCmd.Flags().StringVar(&userAgent, "user-agent", "", "User agent string")
	crawlCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file; extension picks the format (default: jsonl to stdout)")
	crawlCmd.Flags().StringVar(&outputFormat, "format", "", "Output format: jsonl, csv or sqlite")
	crawlCmd.Flags().StringVar(&stateFile, "state-file", "", "State file for persistence")
	crawlCmd.Flags().BoolVar(&saveState, "save-state", false, "Persist crawl state to the default location")

	// Scope flags
	crawlCmd.Flags().StringArrayVar(&allowDomains, "allow-domain", nil, "Extra domains to allow beyond the seed origins")
	crawlCmd.Flags().StringArrayVar(&includePatterns, "include", nil, "URL patterns to include (regex)")
	crawlCmd.Flags().StringArrayVar(&excludePatterns, "exclude", nil, "URL patterns to exclude (regex)")
	crawlCmd.Flags().BoolVar(&followExternal, "follow-external", false, "Follow links to hosts outside the allow list")
	crawlCmd.Flags().BoolVar(&noDefaultExcludes, "no-default-excludes", false, "Disable the built-in excludes (logout links, binary downloads)")

	// Politeness flags
	crawlCmd.Flags().BoolVar(&respectRobots, "respect-robots", true, "Fetch and honor robots.txt")
	crawlCmd.Flags().StringVar(&robotsFallback, "robots-fallback", "allow", "Policy when robots.txt is unreachable: allow or deny")
	crawlCmd.Flags().BoolVar(&sitemaps, "sitemaps", false, "Seed from robots-declared sitemaps")
	crawlCmd.Flags().BoolVar(&hostBreaker, "breaker", false, "Skip hosts for a cool-off window after repeated connection failures")

	// Retry flags
	crawlCmd.Flags().IntVar(&maxRetries, "retries", 3, "Retries per URL for transient failures")
	crawlCmd.Flags().DurationVar(&retryDelay, "retry-delay", 500*time.Millisecond, "Initial retry backoff delay")

	// Render flags
	crawlCmd.Flags().StringVar(&renderMode, "render", "http", "Fetch mode: http or browser")
	crawlCmd.Flags().IntVar(&browserPool, "browser-pool", 2, "Browser pool size for browser rendering")
	crawlCmd.Flags().BoolVar(&noHeadless, "no-headless", false, "Show browser windows when rendering")

	// Request flags
	crawlCmd.Flags().StringArrayVar(&headers, "header", nil, `Extra request header ("Name: value"), repeatable`)

	// Preset flags
	crawlCmd.Flags().BoolVar(&politeMode, "polite", false, "Polite preset: 2 workers, 0.5 req/s, deny on missing robots")
	crawlCmd.Flags().BoolVar(&fastMode, "fast", false, "Fast preset: 32 workers, 8 req/s, shorter timeouts")

	// Display flags
	crawlCmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress bar during crawling")
	crawlCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar (use verbose logging instead)")

	// Resume flags
	resumeCmd.Flags().StringVar(&stateFile, "state-file", "", "State file to resume from (default: the standard location)")
	resumeCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file; extension picks the format")
	resumeCmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress bar during crawling")
	resumeCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar")

	// Status flags
	statusCmd.Flags().StringVar(&stateFile, "state-file", "", "State file to inspect (default: the standard location)")

	// Add commands
	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCrawl(cmd *cobra.Command, args []string) error {
	// Build configuration: preset or defaults, then the config file,
	// then explicit flags on top.
	var config *crawl.Config
	switch {
	case politeMode:
		config = crawl.PoliteConfig()
		fmt.Fprintln(os.Stderr, "Polite mode: slow and careful")
	case fastMode:
		config = crawl.FastConfig()
		fmt.Fprintln(os.Stderr, "Fast mode: throughput over courtesy")
	default:
		config = crawl.DefaultConfig()
	}

	if configFile != "" {
		fileConfig, err := crawl.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
		config = fileConfig
	}

	config.Seeds = args

	// Override with command-line flags if provided
	if cmd.Flags().Changed("workers") {
		config.Workers = workers
	}
	if cmd.Flags().Changed("max-depth") {
		config.MaxDepth = maxDepth
	}
	if cmd.Flags().Changed("max-pages") {
		config.MaxPages = maxPages
	}
	if cmd.Flags().Changed("timeout") {
		config.Timeout = time.Duration(timeout) * time.Second
	}
	if cmd.Flags().Changed("rate-limit") {
		config.RateLimit.PerHostRPS = rateLimit
	}
	if cmd.Flags().Changed("user-agent") {
		config.UserAgent = userAgent
	}
	if cmd.Flags().Changed("respect-robots") {
		config.RateLimit.RespectRobots = respectRobots
	}
	if cmd.Flags().Changed("robots-fallback") {
		config.RateLimit.RobotsFallback = robotsFallback
	}
	if cmd.Flags().Changed("retries") {
		config.Retry.MaxRetries = maxRetries
	}
	if cmd.Flags().Changed("retry-delay") {
		config.Retry.InitialDelay = retryDelay
	}
	if cmd.Flags().Changed("render") {
		config.Render = renderMode
	}
	if cmd.Flags().Changed("browser-pool") {
		config.Browser.PoolSize = browserPool
	}
	if cmd.Flags().Changed("sitemaps") {
		config.Sitemaps = sitemaps
	}
	if cmd.Flags().Changed("breaker") {
		config.RateLimit.Breaker = hostBreaker
	}
	if noHeadless {
		config.Browser.Headless = false
	}

	if len(allowDomains) > 0 {
		config.Scope.AllowedDomains = allowDomains
	}
	if len(includePatterns) > 0 {
		config.Scope.IncludePatterns = includePatterns
	}
	if len(excludePatterns) > 0 {
		config.Scope.ExcludePatterns = excludePatterns
	}
	if cmd.Flags().Changed("follow-external") {
		config.Scope.FollowExternal = followExternal
	}
	if noDefaultExcludes {
		config.Scope.DefaultExcludes = false
	}

	if len(headers) > 0 {
		parsed, err := parseHeaders(headers)
		if err != nil {
			return err
		}
		config.Headers = parsed
	}

	if outputFile != "" {
		config.Sink.Path = outputFile
		config.Sink.Format = inferFormat(outputFile, config.Sink.Format)
	}
	if cmd.Flags().Changed("format") {
		config.Sink.Format = outputFormat
	}

	if stateFile == "" && saveState {
		stateFile = defaultStatePath()
	}
	config.State.File = stateFile

	config.Verbose = verbose
	config.Debug = debug

	return runEngine(config, false)
}

func runResume(cmd *cobra.Command, args []string) error {
	if stateFile == "" {
		stateFile = defaultStatePath()
	}

	snap, err := loadSnapshot(stateFile)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("no saved crawl at %s", stateFile)
	}
	if len(snap.Seeds) == 0 {
		return fmt.Errorf("state file %s has no seeds", stateFile)
	}

	// An explicit config file wins; otherwise continue with the
	// configuration the interrupted crawl was started with.
	var config *crawl.Config
	switch {
	case configFile != "":
		config, err = crawl.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	case len(snap.Config) > 0:
		config = crawl.DefaultConfig()
		if err := json.Unmarshal(snap.Config, config); err != nil {
			return fmt.Errorf("state file %s has an unreadable config: %w", stateFile, err)
		}
	default:
		config = crawl.DefaultConfig()
	}

	config.Seeds = snap.Seeds
	config.State.File = stateFile
	config.State.Resume = true
	config.Verbose = verbose
	config.Debug = debug

	if outputFile != "" {
		config.Sink.Path = outputFile
		config.Sink.Format = inferFormat(outputFile, config.Sink.Format)
	}

	fmt.Fprintf(os.Stderr, "Resuming crawl of %s (%d fetched, %d queued)\n",
		strings.Join(snap.Seeds, ", "), snap.Fetched, len(snap.Pending))

	return runEngine(config, true)
}

// runEngine builds the engine from config, wires shutdown handling, and
// runs the crawl to completion.
func runEngine(config *crawl.Config, resuming bool) error {
	enableProgress := showProgress && !noProgress && !verbose

	log := logger.New(logger.Config{
		Level:     logLevel(),
		Pretty:    true,
		Component: "pagewalk",
	})

	eng, err := crawl.New(
		crawl.WithConfig(config),
		crawl.WithProgress(enableProgress),
		crawl.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("failed to create crawler: %w", err)
	}

	handler := shutdown.New(shutdown.Config{
		Timeout: 30 * time.Second,
		Logger:  log,
		OnShutdownStart: func() {
			fmt.Fprintln(os.Stderr, "\nInterrupted, finishing in-flight requests...")
		},
	})
	handler.Register("engine", func(ctx context.Context) error {
		eng.Stop()
		return nil
	})
	handler.ListenAndShutdown()

	if !enableProgress {
		printBanner(config, resuming)
	}

	startTime := time.Now()
	err = eng.Run(context.Background())
	duration := time.Since(startTime)

	interrupted := errors.Is(err, context.Canceled)
	if err != nil && !interrupted {
		return fmt.Errorf("crawl failed: %w", err)
	}

	if interrupted && config.State.File != "" {
		fmt.Fprintf(os.Stderr, "State saved to %s; resume with: pagewalk resume --state-file %s\n",
			config.State.File, config.State.File)
	}

	if !enableProgress {
		printSummary(eng, duration)
	}

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if stateFile == "" {
		stateFile = defaultStatePath()
	}

	snap, err := loadSnapshot(stateFile)
	if err != nil {
		return err
	}
	if snap == nil {
		fmt.Printf("No saved crawl at %s\n", stateFile)
		return nil
	}

	fmt.Printf("State file:  %s\n", stateFile)
	fmt.Printf("Seeds:       %s\n", strings.Join(snap.Seeds, ", "))
	if !snap.StartedAt.IsZero() {
		fmt.Printf("Started:     %s\n", snap.StartedAt.Format(time.RFC3339))
	}
	if !snap.UpdatedAt.IsZero() {
		fmt.Printf("Last saved:  %s (%s ago)\n",
			snap.UpdatedAt.Format(time.RFC3339),
			time.Since(snap.UpdatedAt).Round(time.Second))
	}
	fmt.Printf("Fetched:     %d pages\n", snap.Fetched)
	fmt.Printf("Visited:     %d URLs\n", len(snap.Visited))
	fmt.Printf("Pending:     %d URLs\n", len(snap.Pending))

	if len(snap.Pending) > 0 {
		fmt.Println("\nNext up:")
		count := 5
		if len(snap.Pending) < count {
			count = len(snap.Pending)
		}
		for i := 0; i < count; i++ {
			fmt.Printf("  [depth %d] %s\n", snap.Pending[i].Depth, snap.Pending[i].URL)
		}
		if len(snap.Pending) > count {
			fmt.Printf("  ... and %d more\n", len(snap.Pending)-count)
		}
	}

	return nil
}

func loadSnapshot(path string) (*state.Snapshot, error) {
	store, err := state.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}
	defer store.Close()

	snap, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return snap, nil
}

// defaultStatePath returns the standard state file location under the
// XDG data directory.
func defaultStatePath() string {
	return filepath.Join(xdg.DataHome, "pagewalk", "state.json")
}

func logLevel() logger.Level {
	switch {
	case debug:
		return logger.DebugLevel
	case verbose:
		return logger.InfoLevel
	default:
		return logger.WarnLevel
	}
}

// parseHeaders turns "Name: value" strings into a header map.
func parseHeaders(raw []string) (map[string]string, error) {
	parsed := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		parsed[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return parsed, nil
}

// inferFormat picks a sink format from the output file extension,
// falling back to the current format.
func inferFormat(path, current string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return "csv"
	case ".db", ".sqlite":
		return "sqlite"
	case ".jsonl", ".ndjson":
		return "jsonl"
	}
	return current
}

func printBanner(config *crawl.Config, resuming bool) {
	action := "Starting crawl"
	if resuming {
		action = "Resuming crawl"
	}

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintf(os.Stderr, "║               pagewalk v%-5s - Website Crawler               ║\n", version)
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Seeds:      %s\n", strings.Join(config.Seeds, ", "))
	fmt.Fprintf(os.Stderr, "Workers:    %d\n", config.Workers)
	fmt.Fprintf(os.Stderr, "Max Depth:  %d\n", config.MaxDepth)
	fmt.Fprintf(os.Stderr, "Max Pages:  %d\n", config.MaxPages)
	fmt.Fprintf(os.Stderr, "Rate Limit: %.1f req/s per host\n", config.RateLimit.PerHostRPS)
	if !config.RateLimit.RespectRobots {
		fmt.Fprintln(os.Stderr, "Robots:     ignored")
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "%s...\n\n", action)
}

func printSummary(eng *crawl.Engine, duration time.Duration) {
	snap := eng.MetricsSnapshot()
	if snap == nil {
		return
	}

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║                        Crawl Summary                         ║")
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Duration:         %v\n", duration.Round(time.Second))
	fmt.Fprintf(os.Stderr, "Pages Crawled:    %d\n", snap.PagesCrawled)
	fmt.Fprintf(os.Stderr, "Succeeded:        %d\n", snap.SuccessCount())
	fmt.Fprintf(os.Stderr, "Errors:           %d\n", snap.ErrorsTotal)
	fmt.Fprintf(os.Stderr, "Links Found:      %d\n", snap.LinksDiscovered)
	fmt.Fprintf(os.Stderr, "Retries:          %d\n", snap.RetriesTotal)
	if snap.AverageResponseTime > 0 {
		fmt.Fprintf(os.Stderr, "Avg Response:     %v\n", snap.AverageResponseTime.Round(time.Millisecond))
	}
	if duration > 0 {
		fmt.Fprintf(os.Stderr, "Average Speed:    %.1f pages/sec\n", float64(snap.PagesCrawled)/duration.Seconds())
	}

	if len(snap.StatusCodes) > 0 {
		fmt.Fprintln(os.Stderr, "\nStatus Codes:")
		for _, code := range sortedStatusCodes(snap.StatusCodes) {
			fmt.Fprintf(os.Stderr, "  %d: %d\n", code, snap.StatusCodes[code])
		}
	}
	fmt.Fprintln(os.Stderr)
}

func sortedStatusCodes(codes map[int]int64) []int {
	out := make([]int, 0, len(codes))
	for code := range codes {
		out = append(out, code)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
