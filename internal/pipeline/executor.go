package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/crucible/internal/conversation"
	"github.com/kalambet/crucible/internal/engine"
	"github.com/kalambet/crucible/internal/intent"
	"github.com/kalambet/crucible/internal/metrics"
	"github.com/kalambet/crucible/internal/prompt"
	"github.com/kalambet/crucible/internal/requirements"
	"github.com/kalambet/crucible/internal/tools"
	"github.com/kalambet/crucible/internal/validation"
)

const tracerName = "github.com/kalambet/crucible/internal/pipeline"

// Context variable names set by the executor.
const (
	VarIntent       = "intent"
	VarRequirements = "requirements"
	VarValidation   = "validation"
	VarFlow         = "flow"
)

// Flow names, recorded in VarFlow and on spans.
const (
	FlowCode  = "code"
	FlowTool  = "tool"
	FlowPlain = "plain"
)

// DefaultEventBuffer is the capacity of a run's event channel.
const DefaultEventBuffer = 64

// ExecutorConfig wires an Executor. Provider, Builder, Registry and
// Conversations are required.
type ExecutorConfig struct {
	Provider      engine.Provider
	Router        *tools.Router
	Builder       *prompt.Builder
	Registry      *Registry
	Conversations *conversation.Manager

	// Classifier defaults to the rule classifier.
	Classifier intent.Classifier
	// Extractor defaults to one on Provider.
	Extractor *requirements.Extractor
	// Validator defaults to the deterministic rules.
	Validator validation.Validator
	// Reviewer is used instead of Validator for pipelines with validation
	// enabled. It defaults to a model reviewer on Provider.
	Reviewer validation.Validator
	Recorder metrics.Recorder
	Tracer   trace.Tracer
	Logger   *slog.Logger

	// Defaults fill the limits a pipeline leaves unset, ahead of the
	// package defaults.
	Defaults       Config
	// Model is used when a pipeline names none.
	Model          string
	ProjectContext string
	EventBuffer    int
}

// Executor is the entry point of the engine: it turns a message on a
// conversation into a stream of events.
type Executor struct {
	provider      engine.Provider
	router        *tools.Router
	builder       *prompt.Builder
	registry      *Registry
	conversations *conversation.Manager
	classifier    intent.Classifier
	extractor     *requirements.Extractor
	validator     validation.Validator
	reviewer      validation.Validator
	recorder      metrics.Recorder
	tracer        trace.Tracer
	logger        *slog.Logger
	handler       *Handler
	defaults      Config

	model          string
	projectContext string
	eventBuffer    int
}

// NewExecutor creates an Executor from cfg.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	switch {
	case cfg.Provider == nil:
		return nil, errors.New("executor: provider is required")
	case cfg.Builder == nil:
		return nil, errors.New("executor: prompt builder is required")
	case cfg.Registry == nil:
		return nil, errors.New("executor: registry is required")
	case cfg.Conversations == nil:
		return nil, errors.New("executor: conversation manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = intent.NewRuleClassifier()
	}
	if cfg.Extractor == nil {
		cfg.Extractor = requirements.NewExtractor(cfg.Provider, cfg.Builder, cfg.Model, cfg.Logger)
	}
	if cfg.Validator == nil {
		cfg.Validator = validation.Rules{}
	}
	if cfg.Reviewer == nil {
		cfg.Reviewer = validation.NewReviewer(cfg.Provider, cfg.Builder, cfg.Model, cfg.Logger)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	return &Executor{
		provider:       cfg.Provider,
		router:         cfg.Router,
		builder:        cfg.Builder,
		registry:       cfg.Registry,
		conversations:  cfg.Conversations,
		classifier:     cfg.Classifier,
		extractor:      cfg.Extractor,
		validator:      cfg.Validator,
		reviewer:       cfg.Reviewer,
		recorder:       cfg.Recorder,
		tracer:         cfg.Tracer,
		logger:         cfg.Logger,
		handler:        NewHandler(cfg.Provider, cfg.Router, cfg.Builder, cfg.Logger),
		defaults:       cfg.Defaults,
		model:          cfg.Model,
		projectContext: cfg.ProjectContext,
		eventBuffer:    cfg.EventBuffer,
	}, nil
}

// Run is one in-flight Process call. Events must be drained, or the
// context passed to Process cancelled, for the run to finish.
type Run struct {
	id     string
	events chan Output
	done   chan struct{}
	err    error
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Events returns the event channel. A successful run ends with exactly one
// Complete; a failed run closes the channel without one.
func (r *Run) Events() <-chan Output { return r.events }

// Err blocks until the run ends and returns its failure, if any.
func (r *Run) Err() error {
	<-r.done
	return r.err
}

// Collect drains the run and returns every event with the run's error.
func (r *Run) Collect() ([]Output, error) {
	var out []Output
	for o := range r.events {
		out = append(out, o)
	}
	return out, r.Err()
}

// Conversation returns the buffer of a conversation, if it exists.
func (e *Executor) Conversation(id string) (*conversation.Buffer, bool) {
	return e.conversations.Get(id)
}

// Process runs message on the conversation.
func (e *Executor) Process(ctx context.Context, conversationID, message string) *Run {
	return e.ProcessWithHistory(ctx, conversationID, message, nil)
}

// ProcessWithHistory runs message with caller-supplied history merged
// ahead of the conversation's own.
func (e *Executor) ProcessWithHistory(ctx context.Context, conversationID, message string, history []conversation.Message) *Run {
	run := &Run{
		id:     uuid.NewString(),
		events: make(chan Output, e.eventBuffer),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(run.done)
		defer close(run.events)
		run.err = e.execute(ctx, run, conversationID, message, history)
	}()
	return run
}

// runState is what the flows of one run share.
type runState struct {
	buf      *conversation.Buffer
	def      Definition
	cfg      Config
	intent   intent.Result
	message  string
	history  []conversation.Message
	planning bool
	pc       Context
	emit     Emitter
	timer    *metrics.Timer
}

func (rs *runState) params() Params { return rs.pc.Params() }

func (e *Executor) execute(ctx context.Context, run *Run, conversationID, message string, history []conversation.Message) (err error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", run.id),
		attribute.String("conversation.id", conversationID),
	))
	defer span.End()

	timer := metrics.NewTimer(run.id, "", conversationID)
	emit := func(o Output) error {
		select {
		case run.events <- o:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer func() {
		if err == nil {
			return
		}
		e.record(timer.Finish(false))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.logger.Info("pipeline run cancelled", "run", run.id, "conversation", conversationID, "error", err)
			return
		}
		e.logger.Error("pipeline run failed", "run", run.id, "conversation", conversationID, "error", err)
	}()

	buf := e.conversations.GetOrCreate(conversationID)
	timer.StartStage("queue")
	release, err := buf.AcquireTurn(ctx)
	if err != nil {
		return err
	}
	defer release()

	timer.StartStage("resolve")
	def, err := e.registry.ForMessage(ctx, message)
	if err != nil {
		return fmt.Errorf("selecting pipeline: %w", err)
	}
	def.Config = def.Config.Inherit(e.defaults)
	timer.SetPipeline(def.ID)
	span.SetAttributes(attribute.String("pipeline.id", def.ID))

	buf.Add(conversation.Message{Role: conversation.RoleUser, Content: message})

	timer.StartStage("intent")
	ir, err := e.classifier.Classify(ctx, message)
	if err != nil {
		return fmt.Errorf("classifying intent: %w", err)
	}
	timer.SetIntent(string(ir.Intent))
	span.SetAttributes(
		attribute.String("intent", string(ir.Intent)),
		attribute.Float64("intent.confidence", ir.Confidence),
	)

	cfg := def.Config.WithDefaults()
	pc := NewContext(conversationID, def).WithVariable(VarIntent, ir).WithMessages(history)
	if p := pc.Params(); p.Model == "" {
		p.Model = e.model
		pc = pc.WithParams(p)
	}
	rs := &runState{
		buf:      buf,
		def:      def,
		cfg:      cfg,
		intent:   ir,
		message:  message,
		history:  history,
		planning: cfg.EnablePlanning && ir.RequiresPlan && ir.Confidence >= intent.PlanningThreshold,
		pc:       pc,
		emit:     emit,
		timer:    timer,
	}

	flow := e.selectFlow(rs)
	rs.pc = rs.pc.WithVariable(VarFlow, flow)
	e.logger.Debug("running pipeline", "run", run.id, "pipeline", def.ID, "intent", ir.Intent, "flow", flow, "planning", rs.planning)

	flowCtx, flowSpan := e.tracer.Start(ctx, "pipeline.flow."+flow)
	switch flow {
	case FlowCode:
		err = e.codeFlow(flowCtx, rs)
	case FlowTool:
		err = e.toolFlow(flowCtx, rs)
	default:
		err = e.plainFlow(flowCtx, rs)
	}
	if err != nil {
		flowSpan.RecordError(err)
		flowSpan.SetStatus(codes.Error, err.Error())
	}
	flowSpan.End()
	if err != nil {
		return err
	}

	snap := timer.Finish(true)
	if err := emit(Complete{Content: rs.pc.Response(), Metrics: &snap}); err != nil {
		return err
	}
	e.record(snap)
	e.logger.Info("pipeline run finished",
		"run", run.id,
		"pipeline", def.ID,
		"intent", ir.Intent,
		"flow", flow,
		"tokens", snap.Tokens,
		"duration", snap.Total,
	)
	return nil
}

func (e *Executor) selectFlow(rs *runState) string {
	switch {
	case rs.cfg.Mode == ModeChatParody:
		return FlowTool
	case rs.intent.IsCode():
		return FlowCode
	case rs.intent.RequiresTools || rs.intent.Intent == intent.ToolUse:
		if len(e.toolNames(rs.cfg)) > 0 {
			return FlowTool
		}
	}
	return FlowPlain
}

// toolNames returns the pipeline's enabled tools that the router knows, or
// every registered tool when the pipeline names none.
func (e *Executor) toolNames(cfg Config) []string {
	if e.router == nil {
		return nil
	}
	if len(cfg.EnabledTools) == 0 {
		return e.router.Names()
	}
	var names []string
	for _, n := range cfg.EnabledTools {
		if e.router.Has(n) {
			names = append(names, n)
		}
	}
	return names
}

func (e *Executor) record(s metrics.Snapshot) {
	if e.recorder != nil {
		e.recorder.Record(s)
	}
}
