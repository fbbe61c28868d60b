// Package actions runs tenant-configured flows: ordered steps dispatched to a
// fixed set of built-in handlers keyed by (type, action).
package actions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"keyline.org/internal/audit"
	"keyline.org/internal/delivery"
	"keyline.org/internal/obs"
	"keyline.org/internal/storage"
)

var (
	ErrPipelineAborted = errors.New("actions: pipeline aborted")
	ErrBudgetExceeded  = errors.New("actions: pipeline budget exceeded")
	ErrUnknownAction   = errors.New("actions: unknown action")
)

const (
	DefaultBudget      = 10 * time.Second
	DefaultStepTimeout = 5 * time.Second
	MaxStepTimeout     = 10 * time.Second

	redacted = "[REDACTED]"
)

// AbortedError reports the step that stopped a pipeline. It matches ErrPipelineAborted.
type AbortedError struct {
	StepID string
	Cause  error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("pipeline aborted at step %q: %v", e.StepID, e.Cause)
}

func (e *AbortedError) Unwrap() []error { return []error{ErrPipelineAborted, e.Cause} }

// Store is the part of the storage adapter handlers and triggers use.
type Store interface {
	Users() storage.UserStore
	Flows() storage.FlowStore
	Hooks() storage.HookStore
}

// Patch is what a handler contributes to the pipeline context.
type Patch struct {
	// User replaces the context user when set.
	User   *storage.User
	Output map[string]any
}

// Input is the read-only view a handler receives.
type Input struct {
	Step    storage.ActionStep
	Params  map[string]any
	Context Context
}

type Handler func(ctx context.Context, in Input) (Patch, error)

type handlerKey struct {
	typ    string
	action string
}

// TraceEntry is one step of the externally visible execution log.
type TraceEntry struct {
	FlowID  string         `json:"flow_id"`
	StepID  string         `json:"step_id"`
	Type    string         `json:"type"`
	Action  string         `json:"action"`
	Outcome string         `json:"outcome"`
	Error   string         `json:"error,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

type Result struct {
	Context Context
	Trace   []TraceEntry
}

type Executor struct {
	store       Store
	email       delivery.EmailSender
	http        *http.Client
	budget      time.Duration
	stepTimeout time.Duration
	log         zerolog.Logger
	registry    map[handlerKey]Handler
}

type Option func(*Executor)

func WithEmailSender(s delivery.EmailSender) Option {
	return func(e *Executor) { e.email = s }
}

func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) {
		if c != nil {
			e.http = c
		}
	}
}

// WithBudget sets the wall-clock limit for a whole Run or RunTrigger.
func WithBudget(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.budget = d
		}
	}
}

func WithStepTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.stepTimeout = min(d, MaxStepTimeout)
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithHandler binds an additional handler at build time.
func WithHandler(typ, action string, h Handler) Option {
	return func(e *Executor) { e.registry[handlerKey{typ, action}] = h }
}

func New(store Store, opts ...Option) *Executor {
	e := &Executor{
		store:       store,
		http:        &http.Client{},
		budget:      DefaultBudget,
		stepTimeout: DefaultStepTimeout,
		log:         *obs.Logger(),
	}
	e.registry = map[handlerKey]Handler{
		{storage.ActionTypeAuth0, "GET_USER"}:     e.getUser,
		{storage.ActionTypeAuth0, "UPDATE_USER"}:  e.updateUser,
		{storage.ActionTypeAuth0, "CREATE_USER"}:  e.createUser,
		{storage.ActionTypeAuth0, "SEND_REQUEST"}: e.sendRequest,
		{storage.ActionTypeAuth0, "SEND_EMAIL"}:   e.sendEmail,
		{storage.ActionTypeEmail, "VERIFY_EMAIL"}: e.verifyEmail,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one flow against in.
func (e *Executor) Run(ctx context.Context, tenantID string, flow storage.Flow, in Context) (Result, error) {
	in.TenantID = tenantID
	runCtx, cancel := context.WithTimeoutCause(ctx, e.budget, ErrBudgetExceeded)
	defer cancel()

	res := Result{Context: in}
	err := e.runFlow(runCtx, flow, &res)
	return res, err
}

// RunTrigger runs the flows of every enabled hook bound to trigger, highest
// priority first, threading the context through them under one budget.
func (e *Executor) RunTrigger(ctx context.Context, tenantID, trigger string, in Context) (Result, error) {
	in.TenantID = tenantID
	res := Result{Context: in}
	hooks, err := e.hooks(ctx, tenantID, trigger)
	if err != nil {
		return res, err
	}
	if len(hooks) == 0 {
		return res, nil
	}

	runCtx, cancel := context.WithTimeoutCause(ctx, e.budget, ErrBudgetExceeded)
	defer cancel()
	for _, h := range hooks {
		flow, err := e.store.Flows().Get(runCtx, tenantID, h.FlowID)
		if err != nil {
			return res, err
		}
		if flow == nil {
			e.log.Warn().Str("tenant_id", tenantID).Str("hook_id", h.ID).Str("flow_id", h.FlowID).Msg("hook_flow_missing")
			continue
		}
		if err := e.runFlow(runCtx, *flow, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e *Executor) hooks(ctx context.Context, tenantID, trigger string) ([]storage.Hook, error) {
	q := storage.And(storage.Eq("trigger_id", trigger), "enabled:true")
	var hooks []storage.Hook
	for page := 0; ; page++ {
		res, err := e.store.Hooks().List(ctx, tenantID, storage.ListParams{Page: page, PerPage: storage.MaxPerPage, Q: q})
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, res.Items...)
		if len(res.Items) < storage.MaxPerPage {
			break
		}
	}
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Priority != hooks[j].Priority {
			return hooks[i].Priority > hooks[j].Priority
		}
		return hooks[i].ID < hooks[j].ID
	})
	return hooks, nil
}

func (e *Executor) runFlow(runCtx context.Context, flow storage.Flow, res *Result) error {
	for _, step := range flow.Actions {
		if runCtx.Err() != nil {
			return e.abort(runCtx, res, flow, step, context.Cause(runCtx))
		}

		patch, err := e.runStep(runCtx, step, res.Context)
		if err == nil {
			output := patch.Output
			if output == nil {
				output = map[string]any{}
			}
			res.Context.apply(step, patch.User, output)
			e.record(runCtx, res, flow, step, "ok", nil, output)
			continue
		}

		// budget or caller cancellation ends the run even for optional steps
		if runCtx.Err() != nil {
			return e.abort(runCtx, res, flow, step, context.Cause(runCtx))
		}
		if step.AllowFailure {
			e.record(runCtx, res, flow, step, "failed_allowed", err, nil)
			continue
		}
		return e.abort(runCtx, res, flow, step, err)
	}
	return nil
}

func (e *Executor) runStep(runCtx context.Context, step storage.ActionStep, cur Context) (Patch, error) {
	h, ok := e.registry[handlerKey{step.Type, step.Action}]
	if !ok {
		return Patch{}, fmt.Errorf("%w: %s.%s", ErrUnknownAction, step.Type, step.Action)
	}
	params, _ := render(step.Params, cur.document()).(map[string]any)
	stepCtx, cancel := context.WithTimeout(runCtx, e.timeoutFor(step))
	defer cancel()
	return h(stepCtx, Input{Step: step, Params: params, Context: cur.clone()})
}

func (e *Executor) timeoutFor(step storage.ActionStep) time.Duration {
	if ms, ok := toInt(step.Params["timeout_ms"]); ok && ms > 0 {
		return min(time.Duration(ms)*time.Millisecond, MaxStepTimeout)
	}
	return e.stepTimeout
}

func (e *Executor) abort(ctx context.Context, res *Result, flow storage.Flow, step storage.ActionStep, cause error) error {
	e.record(ctx, res, flow, step, "aborted", cause, nil)
	return &AbortedError{StepID: step.ID, Cause: cause}
}

func (e *Executor) record(ctx context.Context, res *Result, flow storage.Flow, step storage.ActionStep, outcome string, err error, output map[string]any) {
	entry := TraceEntry{
		FlowID:  flow.ID,
		StepID:  step.ID,
		Type:    step.Type,
		Action:  step.Action,
		Outcome: outcome,
		Output:  output,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if step.MaskOutput {
		entry.Output = mask(output)
		if entry.Error != "" {
			entry.Error = redacted
		}
	}
	res.Trace = append(res.Trace, entry)
	obs.PipelineStep(step.Type, step.Action, outcome)

	fields := map[string]any{
		"flow_id": entry.FlowID,
		"step_id": entry.StepID,
		"type":    entry.Type,
		"action":  entry.Action,
		"outcome": entry.Outcome,
	}
	if entry.Error != "" {
		fields["error"] = entry.Error
	}
	if entry.Output != nil {
		fields["output"] = entry.Output
	}
	_ = audit.LogEvent(audit.WithTenant(context.WithoutCancel(ctx), res.Context.TenantID), "pipeline.step", fields)
}

func mask(output map[string]any) map[string]any {
	if output == nil {
		return nil
	}
	out := make(map[string]any, len(output))
	for k := range output {
		out[k] = redacted
	}
	return out
}
