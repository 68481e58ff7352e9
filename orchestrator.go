package modelmux

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/modelmux/abtesting"
	"github.com/blueberrycongee/modelmux/internal/metrics"
	"github.com/blueberrycongee/modelmux/internal/observability"
	"github.com/blueberrycongee/modelmux/pipeline"
	"github.com/blueberrycongee/modelmux/pkg/errors"
	"github.com/blueberrycongee/modelmux/pkg/events"
	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
	"github.com/blueberrycongee/modelmux/registry"
	"github.com/blueberrycongee/modelmux/router"
	"github.com/blueberrycongee/modelmux/tenancy"
)

// AuthHook validates the caller's credentials before any other admission
// step. Returning a non-nil error rejects the request; errors without a
// taxonomy kind are reported as Unauthorized.
type AuthHook func(ctx context.Context, rc types.RequestContext) error

// Orchestrator composes the per-request flow: admission (auth, tenant
// access, quotas, circuit breakers), A/B assignment, routing, pipeline
// execution, fallback, and post-request accounting.
type Orchestrator struct {
	registry    *registry.Registry
	router      *router.Router
	pipeline    *pipeline.Pipeline
	tenants     *tenancy.Manager
	experiments *abtesting.Manager
	breakers    *breakerSet

	auth    AuthHook
	emitter events.Emitter
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Registry returns the model registry for model administration.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Router returns the routing engine.
func (o *Orchestrator) Router() *router.Router { return o.router }

// Pipeline returns the execution pipeline.
func (o *Orchestrator) Pipeline() *pipeline.Pipeline { return o.pipeline }

// Tenants returns the multi-tenancy manager.
func (o *Orchestrator) Tenants() *tenancy.Manager { return o.tenants }

// Experiments returns the A/B testing manager.
func (o *Orchestrator) Experiments() *abtesting.Manager { return o.experiments }

// Start launches the router's background maintenance.
func (o *Orchestrator) Start() {
	o.router.Start()
}

// Close stops background maintenance and unloads every registered model.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.router.Stop()
	return o.registry.Close(ctx)
}

// Process runs one buffered inference request end to end and returns the
// response. On non-policy failures the caller-declared fallback chain is
// walked; when the chain exhausts, the last non-policy error is returned
// annotated with the models attempted.
func (o *Orchestrator) Process(ctx context.Context, req types.Request) (*types.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, requestID := observability.GetOrCreateRequestID(ctx)
	start := o.now()

	ctx, span := observability.StartRequestSpan(ctx, o.tracer, "modelmux.process", req.Context.TenantID, req.Strategy, false)
	defer span.End()

	release, err := o.admit(ctx, &req)
	if err != nil {
		observability.RecordError(span, err)
		o.recordFailure(req, err)
		return nil, err
	}
	defer release()

	resp, routeCached, err := o.execute(ctx, req)
	if err != nil {
		observability.RecordError(span, err)
		o.recordFailure(req, err)
		o.logger.Warn("request failed",
			"request_id", requestID,
			"tenant_id", req.Context.TenantID,
			"error", err)
		return nil, err
	}

	observability.RecordSelection(span, resp.ModelID, routeCached, resp.FallbacksUsed)
	o.recordSuccess(requestID, req, resp.ModelID, int64(resp.Tokens), o.now().Sub(start), resp.FallbacksUsed, false)
	return resp, nil
}

// StreamProcess runs one streaming request. The fallback chain applies to
// setup failures only; once chunks are flowing, a mid-stream failure is
// surfaced on the stream itself. Usage accounting runs when the stream
// completes normally.
func (o *Orchestrator) StreamProcess(ctx context.Context, req types.Request) (*model.Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, requestID := observability.GetOrCreateRequestID(ctx)
	start := o.now()

	ctx, span := observability.StartRequestSpan(ctx, o.tracer, "modelmux.stream", req.Context.TenantID, req.Strategy, true)

	release, err := o.admit(ctx, &req)
	if err != nil {
		observability.RecordError(span, err)
		o.recordFailure(req, err)
		span.End()
		return nil, err
	}

	fail := func(err error) (*model.Stream, error) {
		observability.RecordError(span, err)
		o.recordFailure(req, err)
		release()
		span.End()
		return nil, err
	}

	tenantID := req.Context.TenantID
	chain := req.FallbackChain
	attempted := make([]string, 0, len(chain)+1)
	fallbacks := 0
	var lastErr error

	current := req
	for {
		decision, err := o.router.Select(current)
		if err == nil {
			inner, serr := o.pipeline.StreamProcess(ctx, decision.Model, current.Prompt, generateOptions(current.Requirements))
			if serr == nil {
				modelID := decision.Model.Info().ID
				observability.RecordSelection(span, modelID, decision.Cached, fallbacks)
				metrics.StreamsActive.Inc()

				out := model.NewStream(16, func(aborted bool) {
					metrics.StreamsActive.Dec()
					release()
					span.End()
				})
				go o.pumpStream(inner, out, streamMeta{
					requestID: requestID,
					req:       req,
					modelID:   modelID,
					start:     start,
					fallbacks: fallbacks,
				})
				return out, nil
			}
			err = serr
			attempted = append(attempted, decision.Model.Info().ID)
		} else if current.Requirements.PreferredModel != "" {
			attempted = append(attempted, current.Requirements.PreferredModel)
		}

		kind := errors.KindOf(err)
		if errors.IsPolicy(kind) {
			return fail(err)
		}
		o.breakers.recordFailure(tenantID, kind)
		lastErr = err

		next, ok := o.nextChainEntry(tenantID, &chain)
		if !ok {
			annotateAttempted(lastErr, attempted)
			return fail(lastErr)
		}
		fallbacks++
		metrics.FallbacksUsed.WithLabelValues(tenantID).Inc()
		current.Requirements.PreferredModel = next
	}
}

// admit runs the pre-routing gate: auth hook, circuit breakers, tenant
// access and quota checks, concurrent admission, and A/B assignment with
// variant overrides merged into the request. The returned release func
// must run on every terminal path.
func (o *Orchestrator) admit(ctx context.Context, req *types.Request) (func(), error) {
	release := func() {}

	if o.auth != nil {
		if err := o.auth(ctx, req.Context); err != nil {
			if errors.KindOf(err) == "" {
				err = errors.NewUnauthorized(err.Error())
			}
			return release, err
		}
	}

	tenantID := req.Context.TenantID
	if kind, open := o.breakers.blocked(tenantID); open {
		e := &errors.Error{Kind: kind, Message: "circuit open"}
		return release, e.WithField("circuit_open", true)
	}

	if tenantID != "" {
		if pm := req.Requirements.PreferredModel; pm != "" {
			if err := o.tenants.CheckModelAccess(tenantID, pm); err != nil {
				return release, err
			}
		}
		if err := o.tenants.CheckQuota(tenantID, types.Usage{Requests: 1}); err != nil {
			return release, err
		}
		if err := o.tenants.AcquireConcurrent(tenantID); err != nil {
			return release, err
		}
		release = func() { o.tenants.ReleaseConcurrent(tenantID) }
	}

	if uid := req.Context.UserID; uid != "" {
		assignments := o.experiments.AssignUser(uid, req.Context)
		o.experiments.MergeOverrides(req, assignments)
	}

	return release, nil
}

// execute walks the primary attempt and the fallback chain for a buffered
// request.
func (o *Orchestrator) execute(ctx context.Context, req types.Request) (*types.Response, bool, error) {
	tenantID := req.Context.TenantID
	chain := req.FallbackChain
	attempted := make([]string, 0, len(chain)+1)
	fallbacks := 0
	var lastErr error

	current := req
	for {
		resp, modelID, routeCached, err := o.attempt(ctx, current)
		if err == nil {
			resp.FallbacksUsed = fallbacks
			return resp, routeCached, nil
		}
		if modelID != "" {
			attempted = append(attempted, modelID)
		}

		kind := errors.KindOf(err)
		if errors.IsPolicy(kind) {
			return nil, false, err
		}
		o.breakers.recordFailure(tenantID, kind)
		lastErr = err

		next, ok := o.nextChainEntry(tenantID, &chain)
		if !ok {
			annotateAttempted(lastErr, attempted)
			return nil, false, lastErr
		}
		fallbacks++
		metrics.FallbacksUsed.WithLabelValues(tenantID).Inc()
		current.Requirements.PreferredModel = next
	}
}

// attempt runs a single select-and-process pass.
func (o *Orchestrator) attempt(ctx context.Context, req types.Request) (*types.Response, string, bool, error) {
	decision, err := o.router.Select(req)
	if err != nil {
		return nil, req.Requirements.PreferredModel, false, err
	}
	resp, err := o.pipeline.Process(ctx, decision.Model, req.Prompt, generateOptions(req.Requirements))
	if err != nil {
		return nil, decision.Model.Info().ID, decision.Cached, err
	}
	return resp, resp.ModelID, decision.Cached, nil
}

// nextChainEntry pops the next fallback entry the tenant may use. Entries
// the tenant has no access to are skipped rather than aborting the chain.
func (o *Orchestrator) nextChainEntry(tenantID string, chain *[]string) (string, bool) {
	for len(*chain) > 0 {
		next := (*chain)[0]
		*chain = (*chain)[1:]
		if tenantID != "" {
			if err := o.tenants.CheckModelAccess(tenantID, next); err != nil {
				o.logger.Warn("skipping fallback entry",
					"tenant_id", tenantID,
					"model_id", next,
					"error", err)
				continue
			}
		}
		return next, true
	}
	return "", false
}

type streamMeta struct {
	requestID string
	req       types.Request
	modelID   string
	start     time.Time
	fallbacks int
}

// pumpStream forwards chunks from the pipeline stream to the consumer
// stream, accumulating token counts so usage accounting and the audit
// event can run on completion.
func (o *Orchestrator) pumpStream(inner, out *model.Stream, meta streamMeta) {
	tenantID := meta.req.Context.TenantID

	var (
		tokens   int64
		totalLen int
	)

	defer inner.Close()

	for {
		chunk, err := inner.Recv()
		if err != nil {
			o.recordSuccess(meta.requestID, meta.req, meta.modelID, tokens, o.now().Sub(meta.start), meta.fallbacks, true)
			out.Finish(totalLen)
			return
		}

		if chunk.Finished {
			if chunk.Aborted {
				o.breakers.recordFailure(tenantID, errors.KindUpstreamError)
				metrics.RequestsTotal.WithLabelValues(meta.modelID, tenantID, string(errors.KindUpstreamError)).Inc()
				out.Fail(stderrors.New(chunk.Error))
				return
			}
			if chunk.FullResponseLength > 0 {
				totalLen = chunk.FullResponseLength
			}
			o.recordSuccess(meta.requestID, meta.req, meta.modelID, tokens, o.now().Sub(meta.start), meta.fallbacks, true)
			out.Finish(totalLen)
			return
		}

		tokens += int64(chunk.Tokens)
		totalLen += len(chunk.Text)
		if !out.Send(chunk) {
			return
		}
	}
}

// recordSuccess applies post-request accounting: tenant usage, metrics,
// breaker recovery, and the audit event.
func (o *Orchestrator) recordSuccess(requestID string, req types.Request, modelID string, tokens int64, duration time.Duration, fallbacks int, stream bool) {
	tenantID := req.Context.TenantID
	o.breakers.recordSuccess(tenantID)

	if tenantID != "" {
		usage := types.Usage{Requests: 1, Tokens: tokens, ModelID: modelID}
		if err := o.tenants.RecordUsage(tenantID, usage); err != nil {
			o.logger.Warn("record usage", "tenant_id", tenantID, "error", err)
		}
	}

	metrics.RequestsTotal.WithLabelValues(modelID, tenantID, "success").Inc()
	metrics.RequestDuration.WithLabelValues(modelID).Observe(duration.Seconds())
	metrics.TokensTotal.WithLabelValues(modelID, tenantID).Add(float64(tokens))

	o.emitter.Emit(events.New(events.Audit, map[string]any{
		"request_id":     requestID,
		"tenant_id":      tenantID,
		"user_id":        req.Context.UserID,
		"model_id":       modelID,
		"strategy":       req.Strategy,
		"stream":         stream,
		"tokens":         tokens,
		"fallbacks_used": fallbacks,
		"duration_ms":    duration.Milliseconds(),
	}))
}

// recordFailure updates the failure metric for a rejected or failed
// request.
func (o *Orchestrator) recordFailure(req types.Request, err error) {
	kind := errors.KindOf(err)
	if kind == "" {
		kind = errors.KindUpstreamError
	}
	metrics.RequestsTotal.WithLabelValues("", req.Context.TenantID, string(kind)).Inc()
}

// annotateAttempted attaches the list of models tried to a taxonomy error.
func annotateAttempted(err error, attempted []string) {
	var e *errors.Error
	if stderrors.As(err, &e) && len(attempted) > 0 {
		e.WithField("attempted", attempted)
	}
}

// generateOptions projects the request requirements onto per-call
// generation options.
func generateOptions(r types.Requirements) *types.GenerateOptions {
	return &types.GenerateOptions{
		MaxTokens:    r.MaxTokens,
		Temperature:  r.Temperature,
		Template:     r.Template,
		SystemPrompt: r.SystemPrompt,
	}
}
