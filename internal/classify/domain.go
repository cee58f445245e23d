package classify

import (
	"math"
	"sort"
	"strings"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// domainRule scores one domain from keyword hits. Rules are evaluated in
// slice order; on equal scores the earlier rule wins.
type domainRule struct {
	domain   cascade.Domain
	keywords []string
}

var domainRules = []domainRule{
	{cascade.DomainCode, []string{"code", "function", "compile", "bug", "stack trace", "refactor", "debug", "library", "api client", "golang", "python", "javascript", "```"}},
	{cascade.DomainMedical, []string{"diagnosis", "symptom", "dosage", "patient", "treatment", "medication", "clinical", "disease"}},
	{cascade.DomainLegal, []string{"contract", "liability", "statute", "clause", "plaintiff", "jurisdiction", "legal", "lawsuit"}},
	{cascade.DomainFinancial, []string{"portfolio", "interest rate", "invoice", "revenue", "tax", "investment", "balance sheet", "dividend"}},
	{cascade.DomainData, []string{"csv", "dataframe", "sql", "dataset", "aggregate", "pivot", "query the", "etl"}},
	{cascade.DomainMath, []string{"calculate", "equation", "integral", "derivative", "prove", "theorem", "probability", "matrix"}},
	{cascade.DomainStructured, []string{"json", "yaml", "xml", "schema", "key-value", "serialize", "parse this"}},
	{cascade.DomainTool, []string{"search for", "look up", "fetch", "call the", "use the tool", "run the", "execute"}},
	{cascade.DomainRAG, []string{"according to the document", "based on the provided", "from the context", "cited", "in the attached"}},
	{cascade.DomainSummary, []string{"summarize", "summary", "tl;dr", "key points", "condense"}},
	{cascade.DomainTranslation, []string{"translate", "translation", "in french", "in german", "in spanish", "in japanese"}},
	{cascade.DomainMultimodal, []string{"image", "picture", "screenshot", "photo", "diagram", "video"}},
	{cascade.DomainCreative, []string{"story", "poem", "lyrics", "fiction", "creative", "brainstorm", "slogan"}},
	{cascade.DomainConversation, []string{"hello", "hi there", "how are you", "thanks", "thank you", "good morning"}},
}

// prototype texts anchor the optional embedding strategy.
var domainPrototypes = map[cascade.Domain]string{
	cascade.DomainCode:         "write and debug source code, fix a compiler error",
	cascade.DomainMedical:      "medical diagnosis, symptoms and treatment of a patient",
	cascade.DomainLegal:        "legal contract clauses, liability and jurisdiction",
	cascade.DomainFinancial:    "financial portfolio, interest rates and investment",
	cascade.DomainData:         "analyze a dataset with sql queries and aggregations",
	cascade.DomainMath:         "solve an equation, prove a theorem, compute an integral",
	cascade.DomainStructured:   "produce structured json or yaml matching a schema",
	cascade.DomainTool:         "call an external tool or api to fetch information",
	cascade.DomainRAG:          "answer strictly from the provided document context",
	cascade.DomainSummary:      "summarize a long text into key points",
	cascade.DomainTranslation:  "translate text between natural languages",
	cascade.DomainMultimodal:   "describe or analyze an image or screenshot",
	cascade.DomainCreative:     "write a creative story, poem or slogan",
	cascade.DomainConversation: "casual friendly small talk conversation",
	cascade.DomainGeneral:      "general question answering on any topic",
}

// DomainClassifier combines the keyword strategy with an optional embedding
// override. The zero value (no embedder) is ready to use.
type DomainClassifier struct {
	embedder cascade.Embedder
	floor    float64

	protoDomains []cascade.Domain
	protoVecs    [][]float64
}

// DomainOption configures the classifier.
type DomainOption func(*DomainClassifier)

// WithEmbedder enables the embedding strategy. The override fires only when
// the similarity margin between the top two domains is at least floor.
func WithEmbedder(e cascade.Embedder, floor float64) DomainOption {
	return func(d *DomainClassifier) {
		d.embedder = e
		d.floor = floor
	}
}

// NewDomainClassifier builds the classifier. Prototype embeddings are
// computed here, once; any embedding failure disables the ML path silently.
func NewDomainClassifier(opts ...DomainOption) *DomainClassifier {
	d := &DomainClassifier{floor: 0.15}
	for _, opt := range opts {
		opt(d)
	}
	if d.embedder != nil {
		domains := make([]cascade.Domain, 0, len(domainPrototypes))
		for dom := range domainPrototypes {
			domains = append(domains, dom)
		}
		sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
		for _, dom := range domains {
			vec, err := d.embedder.Embed(domainPrototypes[dom])
			if err != nil || len(vec) == 0 {
				d.embedder = nil
				d.protoDomains = nil
				d.protoVecs = nil
				break
			}
			d.protoDomains = append(d.protoDomains, dom)
			d.protoVecs = append(d.protoVecs, vec)
		}
	}
	return d
}

// Classify tags the text with a domain. It never fails: the embedding path
// degrades silently and the fallback is general.
func (d *DomainClassifier) Classify(text string) cascade.DomainResult {
	base := d.ruleBased(text)
	if d.embedder == nil {
		return base
	}

	vec, err := d.embedder.Embed(text)
	if err != nil || len(vec) == 0 {
		return base
	}

	best, second := -1.0, -1.0
	bestDomain := base.Domain
	for i, proto := range d.protoVecs {
		sim := cosine(vec, proto)
		if sim > best {
			second = best
			best = sim
			bestDomain = d.protoDomains[i]
		} else if sim > second {
			second = sim
		}
	}

	margin := best - second
	if bestDomain != base.Domain && margin >= d.floor {
		return cascade.DomainResult{Domain: bestDomain, Confidence: best, Overridden: true}
	}
	return base
}

func (d *DomainClassifier) ruleBased(text string) cascade.DomainResult {
	lower := strings.ToLower(text)

	bestScore := 0
	best := cascade.DomainGeneral
	for _, rule := range domainRules {
		score := 0
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = rule.domain
		}
	}

	if bestScore == 0 {
		return cascade.DomainResult{Domain: cascade.DomainGeneral, Confidence: 0.3}
	}
	conf := 0.5 + 0.15*float64(bestScore)
	if conf > 0.95 {
		conf = 0.95
	}
	return cascade.DomainResult{Domain: best, Confidence: conf}
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
