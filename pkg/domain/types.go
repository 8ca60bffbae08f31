package domain

import (
	"time"
)

// Category classifies a handler by the kind of work it performs.
type Category string

// The fixed category enumeration. Descriptors declaring anything else are
// rejected at load time.
const (
	CategorySecurity       Category = "security"
	CategoryPerformance    Category = "performance"
	CategoryDevelopment    Category = "development"
	CategoryInfrastructure Category = "infrastructure"
	CategoryPlatform       Category = "platform"
	CategoryData           Category = "data"
	CategoryHardware       Category = "hardware"
	CategorySpecialized    Category = "specialized"
)

// KnownCategories enumerates every valid Category value.
var KnownCategories = map[Category]struct{}{
	CategorySecurity:       {},
	CategoryPerformance:    {},
	CategoryDevelopment:    {},
	CategoryInfrastructure: {},
	CategoryPlatform:       {},
	CategoryData:           {},
	CategoryHardware:       {},
	CategorySpecialized:    {},
}

// Valid reports whether c is one of the fixed category values.
func (c Category) Valid() bool {
	_, ok := KnownCategories[c]
	return ok
}

// HandlerDescriptor is the immutable declarative record for one handler.
// Descriptors are created once per registry load and never mutated; a reload
// builds a fresh set and swaps it wholesale.
type HandlerDescriptor struct {
	// Name uniquely identifies the handler within a registry snapshot.
	Name string `yaml:"name" json:"name"`
	// Category classifies the handler. Defaults to "specialized".
	Category Category `yaml:"category" json:"category"`
	// TriggerKeywords are the words or phrases whose presence in input text
	// routes work to this handler. At least one is required.
	TriggerKeywords []string `yaml:"triggerKeywords" json:"triggerKeywords"`
	// Priority orders dispatch; lower values are more urgent. Defaults to 5.
	Priority int `yaml:"priority" json:"priority"`
	// Tags enable category-level matching boosts (e.g. "coordinator").
	Tags []string `yaml:"tags" json:"tags"`
}

// HasTag reports whether the descriptor carries the given tag.
func (d HandlerDescriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Candidate is one ranked entry of a match result.
type Candidate struct {
	Handler  string  `json:"handler"`
	Score    float64 `json:"score"`
	Priority int     `json:"priority"`
}

// MatchResult is the value returned for one routed query. It is safe to copy
// and carries no references into the trie it was produced from.
type MatchResult struct {
	// MatchedKeywords lists every trigger keyword found in the input, in
	// first-occurrence order.
	MatchedKeywords []string `json:"matchedKeywords"`
	// Candidates is the ranked candidate list: score descending, ties broken
	// by ascending priority, then handler name.
	Candidates []Candidate `json:"candidates"`
	// Categories is the set of categories derived from matched handlers.
	Categories []string `json:"categories"`
	// SuggestsParallel is true when at least two independent high-confidence
	// handlers matched with non-overlapping categories.
	SuggestsParallel bool `json:"suggestsParallel"`
}

// Empty reports whether the match produced no candidates.
func (m MatchResult) Empty() bool {
	return len(m.Candidates) == 0
}

// Task represents one dispatch unit: a single handler invocation scheduled by
// the execution engine. Tasks live from submission until their outcome is
// recorded.
type Task struct {
	ID          string
	HandlerName string
	Payload     any
	Priority    int
	SubmittedAt time.Time
	Attempt     int
}

// ExecutionPath identifies which dispatch strategy produced an outcome.
type ExecutionPath string

const (
	// PathFast is the high-performance execution path.
	PathFast ExecutionPath = "fast"
	// PathFallback is the resilient interpreted path.
	PathFallback ExecutionPath = "fallback"
	// PathNone is reported when no invocation happened (cache hit, circuit open).
	PathNone ExecutionPath = "none"
)

// OutcomeStatus is the terminal status of one handler dispatch.
type OutcomeStatus string

const (
	StatusSuccess     OutcomeStatus = "success"
	StatusCached      OutcomeStatus = "cached"
	StatusCircuitOpen OutcomeStatus = "circuit_open"
	StatusTimedOut    OutcomeStatus = "timed_out"
	StatusSkipped     OutcomeStatus = "skipped"
	StatusError       OutcomeStatus = "error"
)

// HandlerOutcome describes the result of dispatching one candidate handler.
type HandlerOutcome struct {
	Handler  string        `json:"handler"`
	Status   OutcomeStatus `json:"status"`
	Path     ExecutionPath `json:"path"`
	Attempts int           `json:"attempts"`
	Latency  time.Duration `json:"latencyNs"`
	Value    any           `json:"value,omitempty"`
	// ErrorKind is the machine-readable failure classification
	// (retry_exhausted, handler_fatal, timed_out, ...). Empty on success.
	ErrorKind string `json:"errorKind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AggregatedResponse is the caller-visible result of one Process call. It is
// always returned, even when every candidate failed; only malformed input or
// a never-loaded registry produce a hard error instead.
type AggregatedResponse struct {
	MatchedKeywords  []string         `json:"matchedKeywords"`
	Candidates       []Candidate      `json:"candidates"`
	Categories       []string         `json:"categories"`
	SuggestsParallel bool             `json:"suggestsParallel"`
	Outcomes         []HandlerOutcome `json:"outcomes"`
	Elapsed          time.Duration    `json:"elapsedNs"`
}

// CircuitStatus summarises one handler's breaker state for status reporting.
type CircuitStatus struct {
	Handler             string `json:"handler"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Reopenings          int    `json:"reopenings"`
}

// EngineStatus is the operational status surface exposed to callers.
type EngineStatus struct {
	HandlersLoaded  int             `json:"handlersLoaded"`
	RegistryVersion int64           `json:"registryVersion"`
	CacheHits       uint64          `json:"cacheHits"`
	CacheMisses     uint64          `json:"cacheMisses"`
	CacheHitRate    float64         `json:"cacheHitRate"`
	QueueDepth      int             `json:"queueDepth"`
	Workers         int             `json:"workers"`
	TotalExecutions uint64          `json:"totalExecutions"`
	TotalErrors     uint64          `json:"totalErrors"`
	UptimeSeconds   float64         `json:"uptimeSeconds"`
	Circuits        []CircuitStatus `json:"circuits"`
}
