package cascade

// Consumer-side contracts for the pipeline's collaborators. Concrete
// implementations live under internal/ and are assembled by the agent
// package; tests substitute cheap fakes.

// ComplexityResult is the complexity classifier's verdict.
type ComplexityResult struct {
	Level      Complexity `json:"level"`
	Confidence float64    `json:"confidence"`
	Score      float64    `json:"score"`
	Reasons    []string   `json:"reasons,omitempty"`
}

// ComplexityClassifier buckets query text by difficulty. Deterministic for
// identical input.
type ComplexityClassifier interface {
	Classify(text string) ComplexityResult
}

// DomainResult is the domain classifier's verdict.
type DomainResult struct {
	Domain     Domain  `json:"domain"`
	Confidence float64 `json:"confidence"`
	Overridden bool    `json:"overridden,omitempty"` // embedding strategy overrode the rule-based candidate
}

// DomainClassifier tags query text with a domain. Never fails; unavailable
// ML paths degrade to the rule-based result.
type DomainClassifier interface {
	Classify(text string) DomainResult
}

// ToolValidation is the per-call outcome of tool-call validation.
type ToolValidation struct {
	Call       ToolCall `json:"call"`
	Valid      bool     `json:"valid"`
	Structural bool     `json:"structural"`
	Safety     bool     `json:"safety"`
	Semantic   float64  `json:"semantic"`
	Problems   []string `json:"problems,omitempty"`
}

// ToolChecker detects tool intent, validates generated calls, and grades
// tool risk.
type ToolChecker interface {
	Detect(q Query, tools []ToolSpec) ToolCallIntent
	Validate(calls []ToolCall, tools []ToolSpec) []ToolValidation
	AssessRisk(spec ToolSpec) RiskTier
}

// QualityInput carries everything a validator may consult. Validators are
// pure functions of this input.
type QualityInput struct {
	Query      string
	Response   string
	Complexity Complexity
	Domain     Domain
	Method     string  // resolved validation method
	Threshold  float64 // resolved acceptance threshold
	LogProbs   []float64
}

// QualityValidator scores a draft response against the resolved threshold.
type QualityValidator interface {
	Validate(in QualityInput) QualityScore
}

// RouteInput is the router's full view of one request.
type RouteInput struct {
	Query       Query
	Complexity  Complexity
	Domain      Domain
	DomainCfg   *DomainConfig
	Tools       []ToolSpec
	Intent      ToolCallIntent
	Models      []ModelConfig // ascending cost, configuration order preserved among ties
	Admission   TierAction
	ForceDirect bool
	MaxTokens   int
}

// Router chooses the strategy and model pair. Output depends only on the
// input; no clock, no randomness.
type Router interface {
	Route(in RouteInput) RoutingDecision
}

// Admission is a rate-limiter verdict. Denials carry a retry hint instead of
// blocking.
type Admission struct {
	Allowed      bool   `json:"allowed"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Gate is the per-provider rate limiter. EndRequest is mandatory on every
// exit path once StartRequest allowed the call.
type Gate interface {
	StartRequest(provider string, tokenEstimate int) Admission
	EndRequest(provider string)
}

// TierAction is the budget policy outcome.
type TierAction string

const (
	TierAllow   TierAction = "allow"
	TierWarn    TierAction = "warn"
	TierBlock   TierAction = "block"
	TierDegrade TierAction = "degrade"
)

// TierDecision is the admission decision for one request. DEGRADE forces the
// cheapest capable pair and lowers the quality threshold to ThresholdFloor.
type TierDecision struct {
	Action         TierAction `json:"action"`
	Reason         string     `json:"reason,omitempty"`
	ThresholdFloor float64    `json:"threshold_floor,omitempty"`
}

// BudgetPolicy is pre-flight admission control. Check is synchronous and
// side-effect-free; accounting happens post-request via Record.
type BudgetPolicy interface {
	Check(userID, tier string, estimatedCost float64) TierDecision
	Record(userID, tier string, cost float64)
}

// Price is a resolved per-1k token price triple.
type Price struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
	CachedPer1K float64 `json:"cached_per_1k,omitempty"`
	HasCached   bool    `json:"has_cached,omitempty"`
	Source      string  `json:"source,omitempty"` // provider, table, registry, config, zero
}

// PriceBook resolves a (provider, model) pair to a price triple. The second
// return is false when no source knows the model and the zero price applies.
type PriceBook interface {
	Resolve(provider, model string) (Price, bool)
}

// CallCost is the raw material of cost accounting for one model call.
type CallCost struct {
	Model    ModelConfig
	Usage    *Usage  // nil when the provider reported none
	Reported float64 // provider-reported USD, 0 when absent
	Prompt   string  // input text, estimation fallback
	Output   string  // output text, estimation fallback
}

// CostInput describes a finished run for breakdown computation.
type CostInput struct {
	Draft         *CallCost // nil on direct routes
	Verifier      *CallCost // nil when the draft was accepted
	VerifierModel ModelConfig
	Accepted      bool
	Cascaded      bool
}

// CostModel turns usage into the signed CostBreakdown.
type CostModel interface {
	Breakdown(in CostInput) CostBreakdown
	EstimateTokens(text string) int
}

// Embedder is a preloaded text embedding model shared by the semantic
// validator and the embedding domain strategy. Implementations must be safe
// for concurrent use and must not reach the network per call.
type Embedder interface {
	Embed(text string) ([]float64, error)
}
