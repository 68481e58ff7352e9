// Package modelmux is a multi-provider LLM routing and orchestration
// substrate: a model registry with pluggable format loaders and LRU
// eviction, strategy-driven routing with per-route caching, an execution
// pipeline with retry, response caching and token streaming, multi-tenant
// quota enforcement, and A/B experiment assignment that influences routing.
//
// Basic usage:
//
//	mux, err := modelmux.New(
//	    modelmux.WithLoader(openailike.NewLoader(openailike.Config{APIKey: key})),
//	    modelmux.WithMetrics(),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mux.Start()
//	defer mux.Close(context.Background())
//
//	resp, err := mux.Process(ctx, modelmux.Request{
//	    Prompt: "Hello!",
//	    Requirements: modelmux.Requirements{
//	        Capabilities: []modelmux.Capability{modelmux.CapChat},
//	    },
//	})
package modelmux

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/blueberrycongee/modelmux/abtesting"
	"github.com/blueberrycongee/modelmux/internal/metrics"
	"github.com/blueberrycongee/modelmux/internal/observability"
	"github.com/blueberrycongee/modelmux/pipeline"
	"github.com/blueberrycongee/modelmux/pkg/events"
	"github.com/blueberrycongee/modelmux/pkg/types"
	"github.com/blueberrycongee/modelmux/registry"
	"github.com/blueberrycongee/modelmux/router"
	"github.com/blueberrycongee/modelmux/tenancy"
)

// Version is the current version of modelmux.
const Version = "1.0.0"

// Re-export the core request/response types for convenience, so callers
// can use modelmux.Request instead of types.Request.
type (
	// Request is the logical, transport-agnostic inference request.
	Request = types.Request

	// Requirements constrains model eligibility and carries generation
	// parameters.
	Requirements = types.Requirements

	// RequestContext carries caller identity and routing hints.
	RequestContext = types.RequestContext

	// Response is the buffered response returned by Process.
	Response = types.Response

	// StreamChunk is one element of a token stream.
	StreamChunk = types.StreamChunk

	// GenerateOptions are per-call generation parameters.
	GenerateOptions = types.GenerateOptions

	// Capability tags what a model can do.
	Capability = types.Capability

	// Format identifies a model's loader format.
	Format = types.Format

	// Tenant is one isolated consumer of the substrate.
	Tenant = types.Tenant

	// Usage is one batch of reported resource consumption.
	Usage = types.Usage

	// Experiment is one A/B experiment definition.
	Experiment = types.Experiment

	// Variant is one experiment arm.
	Variant = types.Variant

	// Assignment records a user's variant membership.
	Assignment = types.Assignment
)

// Commonly used capability tags.
const (
	CapCompletion = types.CapCompletion
	CapChat       = types.CapChat
	CapEmbedding  = types.CapEmbedding
	CapStreaming  = types.CapStreaming
)

// New assembles an Orchestrator from the given options. Components share
// one event emitter and one logger; every component config falls back to
// its package default.
func New(opts ...Option) (*Orchestrator, error) {
	o := &options{
		registryCfg: registry.DefaultConfig(),
		routerCfg:   router.DefaultConfig(),
		pipelineCfg: pipeline.DefaultConfig(),
		tenancyCfg:  tenancy.DefaultConfig(),
		breakerCfg:  DefaultBreakerConfig(),
		emitter:     events.Nop{},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(observability.TracerName)
	}

	emitter := o.emitter
	if o.metricsBridge {
		emitter = events.Multi{metrics.Bridge{}, o.emitter}
	}

	reg, err := registry.New(o.registryCfg, emitter, o.logger)
	if err != nil {
		return nil, err
	}
	for _, l := range o.loaders {
		reg.RegisterLoader(l)
	}

	rt := router.New(reg, o.routerCfg,
		router.WithEmitter(emitter),
		router.WithLogger(o.logger),
	)

	popts := []pipeline.Option{
		pipeline.WithEmitter(emitter),
		pipeline.WithLogger(o.logger),
	}
	if o.cache != nil {
		popts = append(popts, pipeline.WithCache(o.cache))
	}
	pl := pipeline.New(o.pipelineCfg, popts...)

	tn := tenancy.NewManager(o.tenancyCfg,
		tenancy.WithEmitter(emitter),
		tenancy.WithLogger(o.logger),
	)

	abOpts := append([]abtesting.Option{
		abtesting.WithEmitter(emitter),
		abtesting.WithLogger(o.logger),
	}, o.abOptions...)
	ab := abtesting.NewManager(abOpts...)

	return &Orchestrator{
		registry:    reg,
		router:      rt,
		pipeline:    pl,
		tenants:     tn,
		experiments: ab,
		breakers:    newBreakerSet(o.breakerCfg, o.now),
		auth:        o.auth,
		emitter:     emitter,
		logger:      o.logger,
		tracer:      o.tracer,
		now:         o.now,
	}, nil
}
