package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ggonzalez94/drain-cli/internal/cache"
	"github.com/ggonzalez94/drain-cli/internal/config"
	"github.com/ggonzalez94/drain-cli/internal/destination"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
	"github.com/ggonzalez94/drain-cli/internal/httpx"
	"github.com/ggonzalez94/drain-cli/internal/logging"
	"github.com/ggonzalez94/drain-cli/internal/metrics"
	"github.com/ggonzalez94/drain-cli/internal/model"
	"github.com/ggonzalez94/drain-cli/internal/out"
	"github.com/ggonzalez94/drain-cli/internal/policy"
	"github.com/ggonzalez94/drain-cli/internal/providers"
	"github.com/ggonzalez94/drain-cli/internal/providers/covalent"
	"github.com/ggonzalez94/drain-cli/internal/registry"
	"github.com/ggonzalez94/drain-cli/internal/schema"
	"github.com/ggonzalez94/drain-cli/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	dial   dialFunc
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
		dial:   dialRPC,
	}
}

type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	cache         *cache.Store
	root          *cobra.Command
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus

	log           *logrus.Logger
	registry      *registry.Registry
	balances      providers.BalanceProvider
	providerInfos []model.ProviderInfo
	promRegistry  *prometheus.Registry
	metrics       *metrics.Sweep
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err == nil {
		if state.cache != nil {
			_ = state.cache.Close()
		}
		return 0
	}

	state.renderError("", err, state.lastWarnings, state.lastProviders)
	if state.cache != nil {
		_ = state.cache.Close()
	}
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Sweep small ERC20 balances to a per-network destination",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			if s.log == nil {
				logger, err := logging.New(s.runner.stderr, settings.LogLevel, settings.LogFormat)
				if err != nil {
					return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
				}
				s.log = logger
			}

			if s.registry == nil {
				reg, err := buildRegistry(settings.RPCURLs)
				if err != nil {
					return err
				}
				s.registry = reg
			}

			if s.balances == nil {
				httpClient := httpx.New(settings.Timeout, settings.Retries).WithLogger(s.log.WithField("provider", covalent.Name))
				discovery := covalent.New(httpClient, settings.CovalentAPIKey).WithBaseURL(settings.DiscoveryBaseURL)
				s.balances = discovery
				s.providerInfos = []model.ProviderInfo{discovery.Info()}
			}

			if s.promRegistry == nil {
				s.promRegistry = prometheus.NewRegistry()
				s.metrics = metrics.NewSweep(s.promRegistry)
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Provider and RPC request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per provider request")
	cmd.PersistentFlags().StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newChainsCommand())
	cmd.AddCommand(s.newDestinationsCommand())
	cmd.AddCommand(s.newTokensCommand())
	cmd.AddCommand(s.newSweepCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = strings.Join(args, " ")
			}
			data, err := schema.Build(s.root, path)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil)
		},
	}
	return cmd
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Provider commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List balance discovery providers and API key metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.providerInfos, nil, cacheMetaBypass(), nil)
		},
	}
	root.AddCommand(list)
	return root
}

type chainView struct {
	registry.Network
	CAIP2       string `json:"caip2"`
	Destination string `json:"destination,omitempty"`
}

func (s *runtimeState) newChainsCommand() *cobra.Command {
	root := &cobra.Command{Use: "chains", Short: "Supported networks"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List supported networks",
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, warnings := s.destinationsForDisplay()
			networks := s.registry.List()
			views := make([]chainView, 0, len(networks))
			for _, n := range networks {
				views = append(views, newChainView(n, dest))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), views, warnings, cacheMetaBypass(), nil)
		},
	}

	var chainArg string
	get := &cobra.Command{
		Use:   "get",
		Short: "Show one network",
		RunE: func(cmd *cobra.Command, args []string) error {
			network, err := s.lookupNetwork(chainArg)
			if err != nil {
				return err
			}
			dest, warnings := s.destinationsForDisplay()
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), newChainView(network, dest), warnings, cacheMetaBypass(), nil)
		},
	}
	get.Flags().StringVar(&chainArg, "chain", "", "Chain id, CAIP-2 id or slug")
	_ = get.MarkFlagRequired("chain")

	root.AddCommand(list)
	root.AddCommand(get)
	return root
}

func newChainView(n registry.Network, dest *destination.Resolver) chainView {
	view := chainView{Network: n, CAIP2: n.CAIP2()}
	if addr, err := dest.Resolve(n.ChainID); err == nil {
		view.Destination = addr.Hex()
	}
	return view
}

func (s *runtimeState) newDestinationsCommand() *cobra.Command {
	root := &cobra.Command{Use: "destinations", Short: "Configured sweep destinations"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List the destination address configured per network",
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := s.destinations()
			if err != nil {
				return err
			}
			entries := dest.Entries()
			var warnings []string
			if len(entries) == 0 {
				warnings = append(warnings, "no destinations configured; every sweep token will be skipped")
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), entries, warnings, cacheMetaBypass(), nil)
		},
	}
	root.AddCommand(list)
	return root
}

// destinations builds the resolver from settings. Invalid configuration is
// an error here so a sweep never runs against a half-valid table.
func (s *runtimeState) destinations() (*destination.Resolver, error) {
	return destination.New(s.registry, s.settings.Destinations)
}

// destinationsForDisplay degrades an invalid table to a warning for read-only
// commands.
func (s *runtimeState) destinationsForDisplay() (*destination.Resolver, []string) {
	dest, err := s.destinations()
	if err != nil {
		return nil, []string{fmt.Sprintf("destinations ignored: %v", err)}
	}
	return dest, nil
}

func (s *runtimeState) lookupNetwork(input string) (registry.Network, error) {
	if strings.TrimSpace(input) == "" {
		return registry.Network{}, clierr.New(clierr.CodeUsage, "--chain is required")
	}
	network, err := s.registry.Lookup(input)
	if err != nil {
		return registry.Network{}, clierr.Wrap(clierr.CodeUnsupported, "resolve network", err)
	}
	return network, nil
}

func buildRegistry(rpcOverrides map[string][]string) (*registry.Registry, error) {
	base := registry.Default()
	if len(rpcOverrides) == 0 {
		return base, nil
	}
	byID := make(map[int64][]string, len(rpcOverrides))
	for key, urls := range rpcOverrides {
		network, err := base.Lookup(key)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("invalid rpc override network %q", key), err)
		}
		byID[network.ChainID] = append(byID[network.ChainID], urls...)
	}
	reg, err := base.WithRPCOverrides(byID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "apply rpc overrides", err)
	}
	return reg, nil
}

type fetchFn func(ctx context.Context) (data any, providerStatus []model.ProviderStatus, warnings []string, err error)

// staleEntry is an expired cache entry kept as a fallback while the
// provider is retried.
type staleEntry struct {
	data     any
	age      time.Duration
	loadedAt time.Time
}

// runCachedCommand serves key from the cache while it is fresh, otherwise
// calls fetch. When fetch fails with a transient error an expired entry is
// served instead, as long as its age stays inside the max-stale budget.
func (s *runtimeState) runCachedCommand(commandPath, key string, ttl time.Duration, fetch fetchFn) error {
	s.resetCommandDiagnostics()
	useCache := s.settings.CacheEnabled && s.cache != nil

	var fallback *staleEntry
	if useCache {
		if cached, err := s.cache.Get(key, s.settings.MaxStale); err == nil && cached.Hit {
			var data any
			if json.Unmarshal(cached.Value, &data) == nil {
				if !cached.Stale {
					return s.emitSuccess(commandPath, data, nil, model.CacheStatus{Status: "hit", AgeMS: cached.Age.Milliseconds()}, nil)
				}
				fallback = &staleEntry{data: data, age: cached.Age, loadedAt: s.runner.now()}
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	data, providerStatus, warnings, err := fetch(ctx)
	s.captureCommandDiagnostics(warnings, providerStatus)
	if err != nil {
		if fallback == nil || !staleFallbackAllowed(err) {
			return err
		}
		age := fallback.age + s.runner.now().Sub(fallback.loadedAt)
		if staleExceedsBudget(age, ttl, s.settings.MaxStale) {
			return clierr.Wrap(clierr.CodeStale, "fresh provider fetch failed and cached data exceeded stale budget", err)
		}
		warnings = append(warnings, "provider fetch failed; serving stale data within max-stale budget")
		s.captureCommandDiagnostics(warnings, providerStatus)
		return s.emitSuccess(commandPath, fallback.data, warnings, model.CacheStatus{Status: "hit", AgeMS: age.Milliseconds(), Stale: true}, providerStatus)
	}

	cacheStatus := cacheMetaMiss()
	if useCache {
		if payload, err := json.Marshal(data); err == nil && s.cache.Set(key, payload, ttl) == nil {
			cacheStatus = model.CacheStatus{Status: "write"}
		}
	}
	return s.emitSuccess(commandPath, data, warnings, cacheStatus, providerStatus)
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheStatus,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, providers []model.ProviderStatus) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		typ = clierr.TypeName(cErr.Code)
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheMetaBypass(),
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable:
			return "unavailable"
		case clierr.CodeUnsupported:
			return "unsupported"
		default:
			return "error"
		}
	}
	return "error"
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass", AgeMS: 0, Stale: false}
}

func cacheMetaMiss() model.CacheStatus {
	return model.CacheStatus{Status: "miss", AgeMS: 0, Stale: false}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// staleExceedsBudget reports whether an entry aged past ttl by more than
// maxStale. A negative maxStale is unbounded.
func staleExceedsBudget(age, ttl, maxStale time.Duration) bool {
	return age > ttl && maxStale >= 0 && age > ttl+maxStale
}

func staleFallbackAllowed(err error) bool {
	cErr, ok := clierr.As(err)
	if !ok {
		return false
	}
	return cErr.Code == clierr.CodeUnavailable || cErr.Code == clierr.CodeRateLimited
}

// shouldOpenCache limits the sqlite cache to commands that call discovery.
func shouldOpenCache(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "tokens", "sweep run":
		return true
	default:
		return false
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastProviders = nil
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(providers) == 0 {
		s.lastProviders = nil
	} else {
		s.lastProviders = append([]model.ProviderStatus(nil), providers...)
	}
}
