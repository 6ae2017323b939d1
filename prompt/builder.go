package prompt

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"text/template"

	"github.com/teilomillet/memgate/parser"
	"github.com/teilomillet/memgate/providers"
	"github.com/teilomillet/memgate/utils"
)

// DefaultBudgetRatio is the share of the provider's input window a prompt
// may use.
const DefaultBudgetRatio = 0.9

var ErrNoMessages = errors.New("no messages to build a prompt from")

// TokenSource is the part of a provider the builder needs.
type TokenSource interface {
	Name() string
	CountTokens(text string) int
	Capabilities() providers.Capabilities
}

// ScoredMessage is a message with its salience and its position in the
// original conversation.
type ScoredMessage struct {
	Message
	Index    int     `json:"index"`
	Salience float64 `json:"salience"`
}

// Speaker is the label shown in the transcript.
func (s ScoredMessage) Speaker() string {
	switch {
	case s.Author != "":
		return s.Author
	case s.Role != "":
		return s.Role
	default:
		return "unknown"
	}
}

type BuildResult struct {
	Prompt string
	System string
	// Messages are the kept messages in chronological order.
	Messages        []ScoredMessage
	EstimatedTokens int
	// Budget is the token ceiling the prompt was fitted to; 0 means the
	// provider reported no input limit.
	Budget int
	// Omitted counts messages left out by the top-K cap, Pruned those
	// removed to fit the budget.
	Omitted int
	Pruned  int
	// OverBudget is set when even the single most salient message does
	// not fit.
	OverBudget bool
}

// Request wraps the prompt in a provider request.
func (r *BuildResult) Request(opts ...providers.RequestOption) *providers.Request {
	return providers.NewRequestBuilder().
		WithSystemPrompt(r.System).
		WithPrompt(r.Prompt).
		WithOptions(opts...).
		Build()
}

type Builder struct {
	source         TokenSource
	maxMessages    int
	includeContext bool
	budgetRatio    float64
	tmpl           *template.Template
	schema         string
	logger         utils.Logger
}

type Option func(*Builder) error

// WithMaxMessages keeps only the n most salient messages (plus neighbours,
// when context is included). Zero or less means no cap.
func WithMaxMessages(n int) Option {
	return func(b *Builder) error {
		b.maxMessages = n
		return nil
	}
}

// WithContext pulls in the message before and after each selected one.
func WithContext(include bool) Option {
	return func(b *Builder) error {
		b.includeContext = include
		return nil
	}
}

func WithBudgetRatio(ratio float64) Option {
	return func(b *Builder) error {
		if ratio <= 0 || ratio > 1 {
			return fmt.Errorf("budget ratio must be in (0, 1], got %v", ratio)
		}
		b.budgetRatio = ratio
		return nil
	}
}

// WithTemplate replaces the default prompt layout. The template sees Mood,
// Schema, Messages, Omitted, SignificanceKeys, RelationshipKeys and
// Instructions, and can call join.
func WithTemplate(text string) Option {
	return func(b *Builder) error {
		tmpl, err := parseTemplate(text)
		if err != nil {
			return err
		}
		b.tmpl = tmpl
		return nil
	}
}

func WithLogger(logger utils.Logger) Option {
	return func(b *Builder) error {
		if logger != nil {
			b.logger = logger
		}
		return nil
	}
}

// NewBuilder returns a builder that counts tokens with source. A nil source
// falls back to estimating four characters per token with no budget.
func NewBuilder(source TokenSource, opts ...Option) (*Builder, error) {
	schema, err := parser.SchemaJSON()
	if err != nil {
		return nil, err
	}
	b := &Builder{
		source:         source,
		includeContext: true,
		budgetRatio:    DefaultBudgetRatio,
		tmpl:           template.Must(parseTemplate(defaultTemplate)),
		schema:         schema,
		logger:         utils.NewLogger(utils.LogLevelWarn),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Score rates every message, keeping conversation order.
func Score(messages []Message, mood *MoodAnalysisResult) []ScoredMessage {
	out := make([]ScoredMessage, len(messages))
	for i, m := range messages {
		out[i] = ScoredMessage{Message: m, Index: i, Salience: Salience(m.Content, mood)}
	}
	return out
}

// Select keeps the maxMessages most salient messages, earlier ones winning
// ties, and with includeContext their immediate neighbours. The result is
// in conversation order.
func Select(scored []ScoredMessage, maxMessages int, includeContext bool) []ScoredMessage {
	if maxMessages <= 0 || maxMessages >= len(scored) {
		return slices.Clone(scored)
	}

	ranked := slices.Clone(scored)
	slices.SortStableFunc(ranked, func(a, b ScoredMessage) int {
		return cmp.Compare(b.Salience, a.Salience)
	})

	keep := make(map[int]bool, maxMessages*3)
	for _, s := range ranked[:maxMessages] {
		keep[s.Index] = true
		if includeContext {
			keep[s.Index-1] = true
			keep[s.Index+1] = true
		}
	}

	out := make([]ScoredMessage, 0, len(keep))
	for _, s := range scored {
		if keep[s.Index] {
			out = append(out, s)
		}
	}
	return out
}

// dropLowest removes the least salient message, the oldest on ties.
func dropLowest(selected []ScoredMessage) []ScoredMessage {
	low := 0
	for i, s := range selected {
		if s.Salience < selected[low].Salience {
			low = i
		}
	}
	return slices.Delete(slices.Clone(selected), low, low+1)
}

// Build selects messages by salience, prunes them until the rendered prompt
// fits the budget and renders the survivors in conversation order. At least
// the most salient message is always kept.
func (b *Builder) Build(messages []Message, mood *MoodAnalysisResult) (*BuildResult, error) {
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}

	scored := Score(messages, mood)
	selected := Select(scored, b.maxMessages, b.includeContext)
	res := &BuildResult{
		System:  SystemPrompt,
		Omitted: len(scored) - len(selected),
		Budget:  b.budget(),
	}

	for {
		text, err := b.render(selected, mood, len(scored)-len(selected))
		if err != nil {
			return nil, err
		}
		res.Prompt = text
		res.EstimatedTokens = b.countTokens(SystemPrompt) + b.countTokens(text)
		if res.Budget == 0 || res.EstimatedTokens <= res.Budget {
			break
		}
		if len(selected) == 1 {
			res.OverBudget = true
			b.logger.Warn("Prompt exceeds budget with a single message",
				"tokens", res.EstimatedTokens, "budget", res.Budget)
			break
		}
		selected = dropLowest(selected)
		res.Pruned++
	}

	res.Messages = selected
	b.logger.Debug("Built prompt", "messages", len(selected), "omitted", res.Omitted,
		"pruned", res.Pruned, "tokens", res.EstimatedTokens, "budget", res.Budget)
	return res, nil
}

func (b *Builder) budget() int {
	if b.source == nil {
		return 0
	}
	limit := b.source.Capabilities().MaxInputTokens
	if limit <= 0 {
		return 0
	}
	return int(math.Floor(float64(limit) * b.budgetRatio))
}

// countTokens asks the provider and falls back to the length estimate when
// it reports a negative count.
func (b *Builder) countTokens(text string) int {
	if b.source == nil {
		return providers.EstimateTokens(text)
	}
	if n := b.source.CountTokens(text); n >= 0 {
		return n
	}
	b.logger.Debug("Token counter failed, estimating from length", "provider", b.source.Name())
	return providers.EstimateTokens(text)
}

func (b *Builder) render(selected []ScoredMessage, mood *MoodAnalysisResult, omitted int) (string, error) {
	name := ""
	var caps providers.Capabilities
	if b.source != nil {
		name = b.source.Name()
		caps = b.source.Capabilities()
	}
	data := templateData{
		Mood:             mood.Summary(),
		Schema:           b.schema,
		Messages:         selected,
		Omitted:          omitted,
		SignificanceKeys: parser.SignificanceKeys,
		RelationshipKeys: parser.RelationshipKeys,
		Instructions:     instructions(name, caps),
	}
	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
