package modelmux

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/modelmux/abtesting"
	appconfig "github.com/blueberrycongee/modelmux/internal/config"
	"github.com/blueberrycongee/modelmux/pipeline"
	"github.com/blueberrycongee/modelmux/pkg/cache"
	"github.com/blueberrycongee/modelmux/pkg/events"
	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
	"github.com/blueberrycongee/modelmux/registry"
	"github.com/blueberrycongee/modelmux/router"
	"github.com/blueberrycongee/modelmux/tenancy"
)

// options collects everything New needs to assemble an Orchestrator.
type options struct {
	registryCfg registry.Config
	routerCfg   router.Config
	pipelineCfg pipeline.Config
	tenancyCfg  tenancy.Config
	breakerCfg  BreakerConfig

	loaders []model.Loader
	cache   cache.Cache
	emitter events.Emitter
	logger  *slog.Logger
	tracer  trace.Tracer
	auth    AuthHook

	metricsBridge bool
	abOptions     []abtesting.Option
	now           func() time.Time
}

// Option customizes the Orchestrator built by New.
type Option func(*options)

// WithRegistryConfig sets the model registry configuration.
func WithRegistryConfig(cfg registry.Config) Option {
	return func(o *options) { o.registryCfg = cfg }
}

// WithRouterConfig sets the router configuration.
func WithRouterConfig(cfg router.Config) Option {
	return func(o *options) { o.routerCfg = cfg }
}

// WithPipelineConfig sets the execution pipeline configuration.
func WithPipelineConfig(cfg pipeline.Config) Option {
	return func(o *options) { o.pipelineCfg = cfg }
}

// WithTenancyConfig sets the multi-tenancy configuration.
func WithTenancyConfig(cfg tenancy.Config) Option {
	return func(o *options) { o.tenancyCfg = cfg }
}

// WithBreakerConfig sets the circuit breaker thresholds.
func WithBreakerConfig(cfg BreakerConfig) Option {
	return func(o *options) { o.breakerCfg = cfg }
}

// WithLoader registers a model loader at construction. May be given
// multiple times.
func WithLoader(l model.Loader) Option {
	return func(o *options) { o.loaders = append(o.loaders, l) }
}

// WithCache sets the response cache backend. Without it, responses are not
// cached.
func WithCache(c cache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithEmitter sets the event sink shared by every component.
func WithEmitter(e events.Emitter) Option {
	return func(o *options) { o.emitter = e }
}

// WithLogger sets the structured logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer sets the OpenTelemetry tracer for per-request spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithAuthHook installs the credential validation hook. The hook runs
// before any other admission step; a non-nil return rejects the request.
func WithAuthHook(hook AuthHook) Option {
	return func(o *options) { o.auth = hook }
}

// WithMetrics wires the Prometheus bridge so substrate events update the
// exported collectors.
func WithMetrics() Option {
	return func(o *options) { o.metricsBridge = true }
}

// WithClock injects the clock used by the circuit breakers. Test hook.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithExperimentOptions forwards options to the A/B testing manager.
func WithExperimentOptions(opts ...abtesting.Option) Option {
	return func(o *options) { o.abOptions = append(o.abOptions, opts...) }
}

// FromConfig maps a loaded configuration file onto the component configs.
// Options applied after it override individual settings.
func FromConfig(cfg *appconfig.Config) Option {
	return func(o *options) {
		o.registryCfg = registry.Config{
			MaxModels:    cfg.Registry.MaxModels,
			SnapshotPath: cfg.Registry.SnapshotPath,
		}
		o.routerCfg = router.Config{
			DefaultStrategy: router.ParseStrategy(cfg.Router.Strategy, router.StrategyBalanced),
			RouteCacheTTL:   cfg.Router.RouteCacheTTL,
			PurgeEvery:      cfg.Router.PurgeEvery,
			RescoreEvery:    cfg.Router.RescoreEvery,
		}
		o.pipelineCfg = pipeline.Config{
			MaxConcurrent:    cfg.Pipeline.MaxConcurrent,
			Retries:          cfg.Pipeline.Retries,
			Timeout:          cfg.Pipeline.Timeout,
			ResponseCacheTTL: cfg.Pipeline.ResponseCacheTTL,
			RatePerSecond:    cfg.Pipeline.RatePerSecond,
		}

		tcfg := tenancy.DefaultConfig()
		if cfg.Tenancy.DefaultIsolation != "" {
			tcfg.DefaultIsolation = types.IsolationMode(cfg.Tenancy.DefaultIsolation)
		}
		tcfg.EnableBilling = cfg.Tenancy.EnableBilling
		if len(cfg.Tenancy.DefaultQuotas) > 0 && tcfg.DefaultQuotas == nil {
			tcfg.DefaultQuotas = make(map[types.QuotaType]int64, len(cfg.Tenancy.DefaultQuotas))
		}
		for name, limit := range cfg.Tenancy.DefaultQuotas {
			tcfg.DefaultQuotas[types.QuotaType(name)] = limit
		}
		o.tenancyCfg = tcfg
	}
}
