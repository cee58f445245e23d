package cascade

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Complexity buckets a query by how much model capability it needs.
// Values are ordered: cheaper buckets compare less than expensive ones.
type Complexity int

const (
	Trivial Complexity = iota
	Simple
	Moderate
	Hard
	Expert
)

var complexityNames = [...]string{"trivial", "simple", "moderate", "hard", "expert"}

func (c Complexity) String() string {
	if c < Trivial || c > Expert {
		return fmt.Sprintf("complexity(%d)", int(c))
	}
	return complexityNames[c]
}

// ParseComplexity maps a name like "moderate" back to its bucket.
func ParseComplexity(s string) (Complexity, error) {
	for i, n := range complexityNames {
		if n == s {
			return Complexity(i), nil
		}
	}
	return Trivial, fmt.Errorf("unknown complexity %q", s)
}

func (c Complexity) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Complexity) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseComplexity(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Domain tags a query with its subject area. The set is closed; anything
// unrecognized classifies as DomainGeneral.
type Domain string

const (
	DomainCode         Domain = "code"
	DomainMedical      Domain = "medical"
	DomainLegal        Domain = "legal"
	DomainFinancial    Domain = "financial"
	DomainData         Domain = "data"
	DomainMath         Domain = "math"
	DomainStructured   Domain = "structured"
	DomainCreative     Domain = "creative"
	DomainGeneral      Domain = "general"
	DomainConversation Domain = "conversation"
	DomainTool         Domain = "tool"
	DomainRAG          Domain = "rag"
	DomainSummary      Domain = "summary"
	DomainTranslation  Domain = "translation"
	DomainMultimodal   Domain = "multimodal"
)

// Domains lists every recognized domain tag.
func Domains() []Domain {
	return []Domain{
		DomainCode, DomainMedical, DomainLegal, DomainFinancial, DomainData,
		DomainMath, DomainStructured, DomainCreative, DomainGeneral,
		DomainConversation, DomainTool, DomainRAG, DomainSummary,
		DomainTranslation, DomainMultimodal,
	}
}

// ValidDomain reports whether d is a member of the closed domain set.
func ValidDomain(d Domain) bool {
	for _, known := range Domains() {
		if d == known {
			return true
		}
	}
	return false
}

// Message is one typed turn of a conversation transcript.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on role=tool, matches a prior assistant call
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // set on role=assistant when the model issued calls
}

// Query is the unit of work: either a plain prompt or a full transcript.
// Exactly one of Prompt or Messages is set.
type Query struct {
	Prompt   string    `json:"prompt,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}

// Normalize flattens the query into a message list with any separate system
// prompt moved to the head. The result is the canonical transcript the
// pipeline routes and replays.
func (q Query) Normalize(systemPrompt string) []Message {
	var msgs []Message
	if systemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: systemPrompt})
	}
	if len(q.Messages) > 0 {
		for _, m := range q.Messages {
			if m.Role == "system" && systemPrompt == "" && len(msgs) == 0 {
				// keep the caller's system prompt at the head
				msgs = append([]Message{m}, msgs...)
				continue
			}
			msgs = append(msgs, m)
		}
		return msgs
	}
	return append(msgs, Message{Role: "user", Content: q.Prompt})
}

// Text returns the user-visible text of the query, used by classifiers.
func (q Query) Text() string {
	if q.Prompt != "" {
		return q.Prompt
	}
	var parts []string
	for _, m := range q.Messages {
		if m.Role == "user" && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// Empty reports whether the query carries no usable content.
func (q Query) Empty() bool {
	if strings.TrimSpace(q.Prompt) != "" {
		return false
	}
	for _, m := range q.Messages {
		if strings.TrimSpace(m.Content) != "" || len(m.ToolCalls) > 0 {
			return false
		}
	}
	return true
}

// ModelConfig describes one model in the pool. The pool is supplied at agent
// construction sorted (or sortable) by cost and is immutable per request.
type ModelConfig struct {
	Name            string         `json:"name"`
	Provider        string         `json:"provider"`
	CostPer1KInput  float64        `json:"cost_per_1k_input"`
	CostPer1KOutput float64        `json:"cost_per_1k_output"`
	MaxTokens       int            `json:"max_tokens"`
	SupportsTools   bool           `json:"supports_tools"`
	QualityScore    float64        `json:"quality_score"` // relative 0..1, tie-break only
	SpeedMs         int            `json:"speed_ms"`      // typical first-token latency, tie-break only
	Deprecated      bool           `json:"deprecated,omitempty"`
	APIKey          string         `json:"-"`
	BaseURL         string         `json:"base_url,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// CostPer1K returns the blended per-1k price used to order the pool.
func (m ModelConfig) CostPer1K() float64 {
	return m.CostPer1KInput + m.CostPer1KOutput
}

// DomainConfig overrides routing and validation for one domain.
type DomainConfig struct {
	Drafter             string       `json:"drafter,omitempty" yaml:"drafter"`
	Verifier            string       `json:"verifier,omitempty" yaml:"verifier"`
	Threshold           float64      `json:"threshold,omitempty" yaml:"threshold"`
	Validation          string       `json:"validation,omitempty" yaml:"validation"`
	Temperature         *float64     `json:"temperature,omitempty" yaml:"temperature"`
	RequireVerifier     bool         `json:"require_verifier,omitempty" yaml:"require_verifier"`
	ExcludeModels       []string     `json:"exclude_models,omitempty" yaml:"exclude_models"`
	CascadeComplexities []Complexity `json:"cascade_complexities,omitempty" yaml:"cascade_complexities"`
}

// CascadesAt reports whether this domain allows cascading at the given
// complexity. An empty set means every complexity may cascade.
func (d DomainConfig) CascadesAt(c Complexity) bool {
	if len(d.CascadeComplexities) == 0 {
		return true
	}
	for _, allowed := range d.CascadeComplexities {
		if allowed == c {
			return true
		}
	}
	return false
}

// RiskTier grades how destructive a tool can be.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// AtLeast reports whether r is at or above the given tier.
func (r RiskTier) AtLeast(min RiskTier) bool {
	order := map[RiskTier]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}
	return order[r] >= order[min]
}

// ToolSpec declares a callable tool: JSON-schema parameters plus a risk tier.
// Risk is derived from name/description patterns when left empty.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"` // JSON schema object
	Risk        RiskTier       `json:"risk,omitempty"`
}

// ToolCall is a single function invocation requested by a model.
// Arguments is the raw JSON object text exactly as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ParsedArguments decodes the arguments JSON. Invalid JSON is surfaced, not
// repaired.
func (t ToolCall) ParsedArguments() (map[string]any, error) {
	if strings.TrimSpace(t.Arguments) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(t.Arguments), &args); err != nil {
		return nil, fmt.Errorf("tool %s: arguments not a JSON object: %w", t.Name, err)
	}
	return args, nil
}

// ToolCallIntent is the detector's verdict on whether a query needs tools.
type ToolCallIntent struct {
	ShouldCall bool     `json:"should_call"`
	Confidence float64  `json:"confidence"`
	Layers     []string `json:"layers,omitempty"` // explicit, structured, heuristic, fallback
	Hints      []string `json:"hints,omitempty"`
}

// QualityComponents break a quality score into its contributing axes.
type QualityComponents struct {
	Confidence float64 `json:"confidence"`
	Alignment  float64 `json:"alignment"`
	Structure  float64 `json:"structure"`
	Safety     float64 `json:"safety"`
}

// QualityScore is a validator verdict on a draft response.
type QualityScore struct {
	Value      float64           `json:"value"`
	Components QualityComponents `json:"components"`
	Passed     bool              `json:"passed"`
	Reason     string            `json:"reason,omitempty"`
}

// Usage is the token accounting a provider reports for one call.
// CachedInputTokens is optional; zero means the provider reported none.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
	TotalTokens       int `json:"total_tokens"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CachedInputTokens += other.CachedInputTokens
	u.TotalTokens += other.TotalTokens
}

// CostBreakdown is the signed cost accounting for one run.
// CostSaved = BigonlyCost - TotalCost; negative when a rejected draft wasted
// spend. Estimated marks breakdowns derived without provider usage; such
// breakdowns never report savings.
type CostBreakdown struct {
	DraftCost      float64        `json:"draft_cost"`
	VerifierCost   float64        `json:"verifier_cost"`
	TotalCost      float64        `json:"total_cost"`
	BigonlyCost    float64        `json:"bigonly_cost"`
	CostSaved      float64        `json:"cost_saved"`
	SavingsPercent float64        `json:"savings_percent"`
	DraftTokens    int            `json:"draft_tokens"`
	VerifierTokens int            `json:"verifier_tokens"`
	TotalTokens    int            `json:"total_tokens"`
	WasCascaded    bool           `json:"was_cascaded"`
	DraftAccepted  bool           `json:"draft_accepted"`
	Estimated      bool           `json:"estimated,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Timing records per-phase wall-clock milliseconds for one run.
type Timing struct {
	ComplexityMs int64 `json:"complexity_ms"`
	DraftMs      int64 `json:"draft_ms"`
	VerifyMs     int64 `json:"verify_ms"`   // quality validation
	VerifierMs   int64 `json:"verifier_ms"` // verifier model call
	OverheadMs   int64 `json:"overhead_ms"`
	TotalMs      int64 `json:"total_ms"`
}

// Strategy is the router's chosen execution shape.
type Strategy string

const (
	StrategyDirect  Strategy = "direct"
	StrategyCascade Strategy = "cascade"
	StrategySkip    Strategy = "skip"
)

// RoutingDecision names the strategy and the model pair serving a request.
// Drafter is nil unless Strategy is cascade.
type RoutingDecision struct {
	Strategy Strategy     `json:"strategy"`
	Drafter  *ModelConfig `json:"drafter,omitempty"`
	Verifier *ModelConfig `json:"verifier,omitempty"`
	Reasons  []string     `json:"reasons,omitempty"`
}

// CascadeResult is the final outcome of one run.
type CascadeResult struct {
	Content         string        `json:"content"`
	ModelUsed       string        `json:"model_used"`
	Cascaded        bool          `json:"cascaded"`
	DraftAccepted   bool          `json:"draft_accepted"`
	RoutingStrategy Strategy      `json:"routing_strategy"`
	Complexity      Complexity    `json:"complexity"`
	Domain          Domain        `json:"domain"`
	Quality         *QualityScore `json:"quality,omitempty"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	ToolCalls       []ToolCall    `json:"tool_calls,omitempty"`
	Cost            CostBreakdown `json:"cost"`
	Timing          Timing        `json:"timing"`
	DraftText       string        `json:"draft_text,omitempty"`
	VerifierText    string        `json:"verifier_text,omitempty"`
	TraceID         string        `json:"trace_id"`
}
