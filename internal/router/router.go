// Package router decides, per inbound message, whether to answer with the
// model, a tool server, or both, and executes the chosen strategy. Decisions
// are derived fresh per message and only logged, never persisted as truth.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcphub-go/internal/config"
	"mcphub-go/internal/events"
	"mcphub-go/internal/registry"
	"mcphub-go/internal/transport"
)

// Strategy names the processing path chosen for a message.
type Strategy string

const (
	StrategyModelOnly Strategy = "model_only"
	StrategyToolOnly  Strategy = "tool_only"
	StrategyHybrid    Strategy = "hybrid"
)

// ErrCapabilityUnavailable marks a tool request no healthy server can serve.
// It degrades to a user-visible message, not a system failure.
var ErrCapabilityUnavailable = errors.New("router: no healthy server can satisfy the request")

// ErrNoModelProvider is returned when a strategy needs a model and none is wired.
var ErrNoModelProvider = errors.New("router: no model provider configured")

const defaultMinMatchScore = 0.1

// capabilityUnavailableMessage is what the end user sees when tool routing
// finds no candidate.
const capabilityUnavailableMessage = "I don't have a tool available right now that can handle that request."

// Message is one turn of conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelProvider is the narrow surface the router needs from a language
// model backend. Adapters for concrete providers live outside the engine.
type ModelProvider interface {
	Name() string
	Generate(ctx context.Context, message string, history []Message) (string, error)
}

// Decision is the routing verdict for one message.
type Decision struct {
	Strategy        Strategy `json:"strategy"`
	ServerNames     []string `json:"server_names,omitempty"`
	MatchedTriggers []string `json:"matched_triggers,omitempty"`
}

// Response is the unified answer handed back to the chat layer.
type Response struct {
	Content     string   `json:"content"`
	Strategy    Strategy `json:"strategy"`
	ServersUsed []string `json:"servers_used,omitempty"`
	ModelUsed   string   `json:"model_used,omitempty"`
	Partial     bool     `json:"partial,omitempty"`
}

// Router is the strategy engine.
type Router struct {
	registry *registry.Registry
	bus      *events.Bus
	logger   *zap.Logger

	classifier *Classifier
	index      *CapabilityIndex

	provider ModelProvider
	fallback ModelProvider

	loadAware     bool
	routeTimeout  time.Duration
	minMatchScore float64

	eventCh <-chan events.Event
	done    chan struct{}
}

// New builds a router over the registry. fallback may be nil; provider may be
// nil only if every message will be tool-only.
func New(reg *registry.Registry, bus *events.Bus, provider, fallback ModelProvider, cfg *config.RouterConfig, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &config.RouterConfig{}
	}

	classifier, err := NewClassifier(cfg)
	if err != nil {
		return nil, err
	}
	index, err := NewCapabilityIndex(logger)
	if err != nil {
		return nil, err
	}

	r := &Router{
		registry:      reg,
		bus:           bus,
		logger:        logger,
		classifier:    classifier,
		index:         index,
		provider:      provider,
		fallback:      fallback,
		loadAware:     cfg.LoadAware,
		routeTimeout:  cfg.RouteTimeout.Duration(),
		minMatchScore: cfg.MinMatchScore,
	}
	if r.routeTimeout <= 0 {
		r.routeTimeout = config.DefaultRouteTimeout
	}
	if r.minMatchScore <= 0 {
		r.minMatchScore = defaultMinMatchScore
	}

	for _, entry := range reg.List() {
		if err := r.index.Upsert(entry.Name(), entry.Config().Capabilities); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Start begins following registry membership so the capability index stays
// in sync with server additions, removals and descriptor edits.
func (r *Router) Start() {
	if r.eventCh != nil {
		return
	}
	r.eventCh = r.bus.SubscribeChan(
		events.TypeServerAdded,
		events.TypeServerRemoved,
		events.TypeConfigChanged,
	)
	r.done = make(chan struct{})
	go r.watch()
}

// Stop stops following membership and releases the index.
func (r *Router) Stop() {
	if r.eventCh != nil {
		r.bus.Unsubscribe(r.eventCh)
		<-r.done
		r.eventCh = nil
	}
	if err := r.index.Close(); err != nil {
		r.logger.Warn("failed to close capability index", zap.Error(err))
	}
}

func (r *Router) watch() {
	defer close(r.done)
	for event := range r.eventCh {
		switch event.Type {
		case events.TypeServerAdded, events.TypeConfigChanged:
			entry, err := r.registry.Get(event.ServerName)
			if err != nil {
				continue
			}
			if err := r.index.Upsert(entry.Name(), entry.Config().Capabilities); err != nil {
				r.logger.Warn("failed to index capabilities",
					zap.String("server", event.ServerName), zap.Error(err))
			}
		case events.TypeServerRemoved:
			if err := r.index.Remove(event.ServerName); err != nil {
				r.logger.Warn("failed to drop server from capability index",
					zap.String("server", event.ServerName), zap.Error(err))
			}
		}
	}
}

// Route classifies the message, executes the chosen strategy, and returns a
// unified response. The whole call runs under one deadline; in hybrid mode a
// deadline hit yields a partial best-effort response instead of an error.
func (r *Router) Route(ctx context.Context, message string, history []Message) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.routeTimeout)
	defer cancel()

	candidates, matchTriggers := r.candidates(message)
	strategy, triggers := r.classifier.Classify(message, len(candidates) > 0)
	triggers = append(triggers, matchTriggers...)

	r.logger.Debug("routing decision",
		zap.String("strategy", string(strategy)),
		zap.Strings("triggers", triggers),
		zap.Int("candidates", len(candidates)))

	var resp *Response
	var err error
	switch strategy {
	case StrategyToolOnly:
		resp, err = r.routeTool(ctx, message, candidates)
	case StrategyModelOnly:
		resp, err = r.routeModel(ctx, message, history)
	default:
		resp, err = r.routeHybrid(ctx, message, history, candidates)
	}
	if err != nil {
		return nil, err
	}

	r.publishDecision(Decision{
		Strategy:        strategy,
		ServerNames:     resp.ServersUsed,
		MatchedTriggers: triggers,
	})
	return resp, nil
}

// candidates returns the enabled, healthy servers whose capabilities match
// the message, best match first.
func (r *Router) candidates(message string) ([]*registry.Entry, []string) {
	matches, err := r.index.Match(message, r.minMatchScore)
	if err != nil {
		r.logger.Warn("capability match failed", zap.Error(err))
		return nil, nil
	}

	var entries []*registry.Entry
	var triggers []string
	for _, match := range matches {
		entry, err := r.registry.Get(match.Server)
		if err != nil {
			continue
		}
		if !entry.Enabled() || !entry.Machine().IsHealthy() {
			continue
		}
		entries = append(entries, entry)
		triggers = append(triggers, fmt.Sprintf("capability:%s:%.2f", match.Server, match.Score))
	}
	return entries, triggers
}

func (r *Router) routeTool(ctx context.Context, message string, candidates []*registry.Entry) (*Response, error) {
	entry := selectEntry(candidates, r.loadAware)
	if entry == nil {
		r.logger.Info("capability unavailable", zap.String("message", truncateMessage(message)))
		return &Response{
			Content:  capabilityUnavailableMessage,
			Strategy: StrategyToolOnly,
		}, nil
	}

	content, err := r.callTool(ctx, entry, deriveToolName(entry.Config().Capabilities, message), map[string]any{"query": message})
	if err != nil {
		return nil, err
	}
	return &Response{
		Content:     content,
		Strategy:    StrategyToolOnly,
		ServersUsed: []string{entry.Name()},
	}, nil
}

func (r *Router) routeModel(ctx context.Context, message string, history []Message) (*Response, error) {
	content, modelName, err := r.generate(ctx, message, history)
	if err != nil {
		return nil, err
	}
	return &Response{
		Content:   content,
		Strategy:  StrategyModelOnly,
		ModelUsed: modelName,
	}, nil
}

// routeHybrid runs the model leg first to interpret intent, then optionally
// a tool leg. A failure in one leg never aborts the other; running out of
// deadline returns whatever was produced so far, marked partial.
func (r *Router) routeHybrid(ctx context.Context, message string, history []Message, candidates []*registry.Entry) (*Response, error) {
	resp := &Response{Strategy: StrategyHybrid}

	modelContent, modelName, modelErr := r.generate(ctx, message, history)
	if modelErr == nil {
		resp.Content = modelContent
		resp.ModelUsed = modelName
	} else {
		resp.Partial = true
		r.logger.Warn("model leg failed", zap.Error(modelErr))
	}

	if ctx.Err() != nil {
		resp.Partial = true
		if resp.Content == "" && modelErr != nil {
			return nil, modelErr
		}
		return resp, nil
	}

	entry := selectEntry(candidates, r.loadAware)
	if entry == nil {
		if modelErr != nil {
			return nil, modelErr
		}
		return resp, nil
	}

	tool := deriveToolName(entry.Config().Capabilities, message)
	args := map[string]any{"query": message}
	if suggestion, ok := parseToolSuggestion(modelContent); ok {
		if suggestion.Tool != "" {
			tool = suggestion.Tool
		}
		if len(suggestion.Arguments) > 0 {
			args = suggestion.Arguments
		}
	}

	toolContent, toolErr := r.callTool(ctx, entry, tool, args)
	if toolErr != nil {
		resp.Partial = true
		r.logger.Warn("tool leg failed",
			zap.String("server", entry.Name()), zap.Error(toolErr))
		if resp.Content == "" {
			return nil, toolErr
		}
		return resp, nil
	}

	resp.ServersUsed = []string{entry.Name()}
	if resp.Content == "" {
		resp.Content = toolContent
	} else {
		resp.Content = resp.Content + "\n\n" + toolContent
	}
	return resp, nil
}

// generate calls the primary provider, retrying once against the fallback.
func (r *Router) generate(ctx context.Context, message string, history []Message) (string, string, error) {
	if r.provider == nil {
		return "", "", ErrNoModelProvider
	}

	callCtx, cancel := context.WithTimeout(ctx, config.ModelCallTimeout)
	content, err := r.provider.Generate(callCtx, message, history)
	cancel()
	if err == nil {
		return content, r.provider.Name(), nil
	}

	if r.fallback == nil {
		return "", "", fmt.Errorf("model call failed: %w", err)
	}
	r.logger.Warn("model call failed, retrying with fallback provider",
		zap.String("provider", r.provider.Name()),
		zap.String("fallback", r.fallback.Name()),
		zap.Error(err))

	callCtx, cancel = context.WithTimeout(ctx, config.ModelCallTimeout)
	defer cancel()
	content, ferr := r.fallback.Generate(callCtx, message, history)
	if ferr != nil {
		return "", "", fmt.Errorf("model call failed (fallback %q also failed: %v): %w", r.fallback.Name(), ferr, err)
	}
	return content, r.fallback.Name(), nil
}

// callTool invokes one tool on one server, maintaining the entry's usage
// bookkeeping for future selection.
func (r *Router) callTool(ctx context.Context, entry *registry.Entry, tool string, args map[string]any) (string, error) {
	entry.MarkUsed()
	entry.BeginRequest()

	callCtx, cancel := context.WithTimeout(ctx, config.ToolCallTimeout)
	defer cancel()

	raw, err := transport.CallTool(callCtx, entry.Transport(), tool, args)
	entry.EndRequest(err == nil)
	if err != nil {
		return "", err
	}
	return formatToolResult(raw), nil
}

func (r *Router) publishDecision(decision Decision) {
	r.bus.Publish(events.Event{
		Type:    events.TypeRoutingDecision,
		Payload: decision,
		Data: map[string]any{
			"strategy": string(decision.Strategy),
			"servers":  strings.Join(decision.ServerNames, ","),
			"triggers": strings.Join(decision.MatchedTriggers, ","),
		},
	})
}

// deriveToolName picks the declared capability whose words overlap the
// message most; ties and no-overlap fall back to the first capability.
func deriveToolName(capabilities []string, message string) string {
	if len(capabilities) == 0 {
		return ""
	}
	words := tokenize(strings.ToLower(message))

	best := capabilities[0]
	bestScore := 0
	for _, capability := range capabilities {
		score := 0
		for _, w := range strings.Fields(normalizeCapability(capability)) {
			if _, ok := words[w]; ok {
				score++
			}
		}
		if score > bestScore {
			best = capability
			bestScore = score
		}
	}
	return best
}

// toolSuggestion is the structured tool call a model may embed in its reply.
type toolSuggestion struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

var jsonObjectPattern = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)

// parseToolSuggestion extracts an embedded {"tool": ..., "arguments": ...}
// object from model output, if present.
func parseToolSuggestion(content string) (*toolSuggestion, bool) {
	for _, candidate := range jsonObjectPattern.FindAllString(content, -1) {
		var suggestion toolSuggestion
		if err := json.Unmarshal([]byte(candidate), &suggestion); err != nil {
			continue
		}
		if suggestion.Tool != "" {
			return &suggestion, true
		}
	}
	return nil, false
}

// formatToolResult renders a raw tool result for user consumption.
func formatToolResult(raw json.RawMessage) string {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		if content, ok := payload["content"].(string); ok {
			return content
		}
		if data, ok := payload["data"]; ok {
			return fmt.Sprint(data)
		}
	}
	return string(raw)
}

func truncateMessage(message string) string {
	const max = 120
	if len(message) <= max {
		return message
	}
	return message[:max] + "..."
}
