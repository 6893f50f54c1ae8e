package router

import (
	"fmt"
	"regexp"
	"strings"

	"mcphub-go/internal/config"
)

// Default trigger vocabulary. These lists are data, not a contract: operators
// replace them through RouterConfig without touching classification logic.
var (
	defaultToolKeywords = []string{
		"file", "directory", "list", "read", "write", "delete", "create",
		"search", "find", "execute", "run", "command", "system", "process",
		"database", "query", "sql", "api", "http", "request", "fetch",
	}

	defaultModelKeywords = []string{
		"explain", "help", "how", "what", "why", "when", "where", "who",
		"analyze", "summarize", "translate", "generate", "answer",
		"question", "discuss", "describe", "compare", "contrast",
	}

	defaultToolPatterns = []string{
		`\b(list|show|get)\s+(files?|directories?|processes?)\b`,
		`\b(read|open|view)\s+(file|document)\b`,
		`\b(create|make|new)\s+(file|directory|folder)\b`,
		`\b(delete|remove|rm)\s+(file|directory)\b`,
		`\b(run|execute|start)\s+(command|program|script)\b`,
		`\b(search|find)\s+(in|for)\b`,
		`\b(query|select)\s+(database|db)\b`,
		// A concrete filename is strong evidence the user wants a tool.
		`\b[\w./-]+\.(ya?ml|json|toml|csv|txt|log|md|ini|conf|go|py|js|ts|sh)\b`,
	}

	defaultModelPatterns = []string{
		`\b(explain|describe|tell me about)\b`,
		`\b(how|what|why|when|where|who)\b`,
		`\b(analyze|summarize|review)\b`,
		`\b(translate|convert)\b`,
		`\b(generate|create|write)\s+(text|story|poem|essay)\b`,
		`\b(help|assist|guide)\b`,
	}

	defaultHybridPatterns = []string{
		`\b(analyze|examine|review)\s+(file|document|data)\b`,
		`\b(explain|describe)\s+(what|how)\s+(file|process|system)\b`,
		`\b(help me understand|show me)\s+(file|data|output)\b`,
	}
)

// Classifier decides routing strategy from trigger evidence in the message.
type Classifier struct {
	toolKeywords  map[string]struct{}
	modelKeywords map[string]struct{}

	toolPatterns   []*regexp.Regexp
	modelPatterns  []*regexp.Regexp
	hybridPatterns []*regexp.Regexp
}

// NewClassifier compiles the trigger sets from cfg, falling back to the
// default vocabulary for any list left empty.
func NewClassifier(cfg *config.RouterConfig) (*Classifier, error) {
	toolKeywords := cfg.ToolKeywords
	if len(toolKeywords) == 0 {
		toolKeywords = defaultToolKeywords
	}
	modelKeywords := cfg.ModelKeywords
	if len(modelKeywords) == 0 {
		modelKeywords = defaultModelKeywords
	}

	c := &Classifier{
		toolKeywords:  keywordSet(toolKeywords),
		modelKeywords: keywordSet(modelKeywords),
	}

	var err error
	if c.toolPatterns, err = compilePatterns(cfg.ToolPatterns, defaultToolPatterns); err != nil {
		return nil, fmt.Errorf("tool patterns: %w", err)
	}
	if c.modelPatterns, err = compilePatterns(cfg.ModelPatterns, defaultModelPatterns); err != nil {
		return nil, fmt.Errorf("model patterns: %w", err)
	}
	if c.hybridPatterns, err = compilePatterns(cfg.HybridPatterns, defaultHybridPatterns); err != nil {
		return nil, fmt.Errorf("hybrid patterns: %w", err)
	}
	return c, nil
}

// Classify returns the strategy for a message. capabilityMatch is external
// tool evidence: the message scored against a registered server's declared
// capabilities. Evidence on one side only picks that side; both or neither
// is ambiguous and resolves to hybrid.
func (c *Classifier) Classify(message string, capabilityMatch bool) (Strategy, []string) {
	lowered := strings.ToLower(message)
	var triggers []string

	for _, p := range c.hybridPatterns {
		if p.MatchString(lowered) {
			return StrategyHybrid, []string{"hybrid:" + p.String()}
		}
	}

	tool := false
	for _, p := range c.toolPatterns {
		if p.MatchString(lowered) {
			tool = true
			triggers = append(triggers, "tool:"+p.String())
		}
	}
	model := false
	for _, p := range c.modelPatterns {
		if p.MatchString(lowered) {
			model = true
			triggers = append(triggers, "model:"+p.String())
		}
	}

	// Keyword evidence only counts when patterns were silent on that side.
	words := tokenize(lowered)
	if !tool {
		for w := range words {
			if _, ok := c.toolKeywords[w]; ok {
				tool = true
				triggers = append(triggers, "tool:keyword:"+w)
				break
			}
		}
	}
	if !model {
		for w := range words {
			if _, ok := c.modelKeywords[w]; ok {
				model = true
				triggers = append(triggers, "model:keyword:"+w)
				break
			}
		}
	}
	if capabilityMatch {
		tool = true
		triggers = append(triggers, "tool:capability")
	}

	switch {
	case tool && !model:
		return StrategyToolOnly, triggers
	case model && !tool:
		return StrategyModelOnly, triggers
	default:
		return StrategyHybrid, triggers
	}
}

func keywordSet(keywords []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		set[strings.ToLower(k)] = struct{}{}
	}
	return set
}

func compilePatterns(configured, defaults []string) ([]*regexp.Regexp, error) {
	patterns := configured
	if len(patterns) == 0 {
		patterns = defaults
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

var wordSplit = regexp.MustCompile(`[^\w]+`)

func tokenize(message string) map[string]struct{} {
	words := map[string]struct{}{}
	for _, w := range wordSplit.Split(message, -1) {
		if w != "" {
			words[w] = struct{}{}
		}
	}
	return words
}
