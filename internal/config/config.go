// Package config loads the immutable process configuration.
//
// Layering follows defaults -> optional YAML file -> environment overrides.
// The resulting Config is loaded once per process and never mutated after
// Load returns; components receive the sub-structs they need by value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration envelope.
type Config struct {
	Models    ModelConfig     `yaml:"models"`
	Reasoner  ReasonerConfig  `yaml:"reasoner"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Hybrid    HybridConfig    `yaml:"hybrid"`
	Cache     CacheConfig     `yaml:"cache"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Flags     Flags           `yaml:"flags"`
	Server    ServerConfig    `yaml:"server"`
}

// ModelConfig selects the reasoner model and region.
type ModelConfig struct {
	PrimaryModelID  string        `yaml:"primary_model_id"`
	FallbackModelID string        `yaml:"fallback_model_id"`
	Region          string        `yaml:"region"`
	RegionOverride  string        `yaml:"region_override"`
	BaseTimeout     time.Duration `yaml:"base_timeout"`
	MaxTimeout      time.Duration `yaml:"max_timeout"`
	MaxTokens       int           `yaml:"max_tokens"`
	MaxTokensRetry  int           `yaml:"max_tokens_retry"`
	CompactPrompts  bool          `yaml:"compact_prompts"`
}

// ReasonerConfig governs the LLM reasoner stage.
type ReasonerConfig struct {
	// Mode is "on" or "deterministic". Deterministic skips every model call
	// and the pipeline runs on the planner alone.
	Mode                 string        `yaml:"mode"`
	MaxCallsPerRequest   int           `yaml:"max_calls_per_request"`
	Pass1TTL             time.Duration `yaml:"pass1_ttl"`
	Pass2TTL             time.Duration `yaml:"pass2_ttl"`
	CircuitFailThreshold int           `yaml:"circuit_fail_threshold"`
	CircuitCooldown      time.Duration `yaml:"circuit_cooldown"`
	RateLimit            int           `yaml:"rate_limit"`
	RateWindow           time.Duration `yaml:"rate_window"`
	MaxInflight          int           `yaml:"max_inflight"`
	LockWait             time.Duration `yaml:"lock_wait"`
	LockTTL              time.Duration `yaml:"lock_ttl"`
}

// RetrievalConfig governs the providers and the verifier.
type RetrievalConfig struct {
	IKAPIBaseURL string `yaml:"ik_api_base_url"`
	IKAPIToken   string `yaml:"ik_api_token"`
	IKWebBaseURL string `yaml:"ik_web_base_url"`
	SerperURL    string `yaml:"serper_url"`
	SerperAPIKey string `yaml:"serper_api_key"`

	APITimeout    time.Duration `yaml:"api_timeout"`
	WebTimeout    time.Duration `yaml:"web_timeout"`
	SerperTimeout time.Duration `yaml:"serper_timeout"`

	Max429Retries     int           `yaml:"max_429_retries"`
	MaxRetryAfter     time.Duration `yaml:"max_retry_after"`
	Cooldown          time.Duration `yaml:"cooldown"`
	ChallengeCooldown time.Duration `yaml:"challenge_cooldown"`

	PageCap    int           `yaml:"page_cap"`
	PageBudget time.Duration `yaml:"page_budget"`

	GlobalInflight int `yaml:"global_inflight"`

	VerifyLimit           int           `yaml:"verify_limit"`
	DetailConcurrency     int           `yaml:"detail_concurrency"`
	DetailCacheTTL        time.Duration `yaml:"detail_cache_ttl"`
	HybridFallbackCutoff  int           `yaml:"hybrid_fallback_cutoff"`
	SnippetFallbackCutoff int           `yaml:"snippet_fallback_cutoff"`
	MinSnippets           int           `yaml:"min_snippets"`

	DocTopN            int           `yaml:"doc_top_n"`
	DocConcurrency     int           `yaml:"doc_concurrency"`
	DocfragmentTimeout time.Duration `yaml:"docfragment_timeout"`

	SerperCacheTTL time.Duration `yaml:"serper_cache_ttl"`
}

// HybridConfig governs lexical+semantic fusion and rerank.
type HybridConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ShadowCapture bool          `yaml:"shadow_capture"`
	ShadowTimeout time.Duration `yaml:"shadow_timeout"`
	RerankTopN    int           `yaml:"rerank_top_n"`
	SemanticTopK  int           `yaml:"semantic_top_k"`

	EmbedProvider string `yaml:"embed_provider"` // "genai" or "local"
	EmbedModel    string `yaml:"embed_model"`
	GenAIAPIKey   string `yaml:"genai_api_key"`
	LocalDims     int    `yaml:"local_dims"`

	IndexPath string `yaml:"index_path"`
}

// CacheConfig configures the optional remote cache tier.
type CacheConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	StaleRecallTTL time.Duration `yaml:"stale_recall_ttl"`
	StaleIndexCap  int           `yaml:"stale_index_cap"`
}

// ScoringConfig holds calibration constants.
type ScoringConfig struct {
	ExploratoryConfidenceCap float64 `yaml:"exploratory_confidence_cap"`
	MediumBandFloor          float64 `yaml:"medium_band_floor"`
	HighBandFloor            float64 `yaml:"high_band_floor"`
	MaxPerFingerprint        int     `yaml:"max_per_fingerprint"`
	MaxPerCourtDay           int     `yaml:"max_per_court_day"`
}

// Flags consolidates every feature flag. Immutable after load.
type Flags struct {
	PropositionV3         bool `yaml:"proposition_v3"`
	PropositionV41        bool `yaml:"proposition_v41"`
	PropositionV5         bool `yaml:"proposition_v5"`
	IKIntentV2            bool `yaml:"ik_intent_v2"`
	IKStructuredQueryV2   bool `yaml:"ik_structured_query_v2"`
	IKCategoryExpansionV1 bool `yaml:"ik_category_expansion_v1"`
	IKDocmetaEnrichV1     bool `yaml:"ik_docmeta_enrich_v1"`
	SerperQueryV2         bool `yaml:"serper_query_v2"`
	AlwaysReturnV1        bool `yaml:"always_return_v1"`
	StaleFallback         bool `yaml:"stale_fallback"`
	StrictCoOccurrence    bool `yaml:"strict_co_occurrence"`
}

// ServerConfig configures the thin HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the baked-in defaults. Every knob has a workable
// value so a bare process can serve deterministic-mode requests.
func DefaultConfig() *Config {
	return &Config{
		Models: ModelConfig{
			Region:         "ap-south-1",
			BaseTimeout:    8 * time.Second,
			MaxTimeout:     20 * time.Second,
			MaxTokens:      1600,
			MaxTokensRetry: 2600,
		},
		Reasoner: ReasonerConfig{
			Mode:                 "deterministic",
			MaxCallsPerRequest:   2,
			Pass1TTL:             6 * time.Hour,
			Pass2TTL:             15 * time.Minute,
			CircuitFailThreshold: 3,
			CircuitCooldown:      90 * time.Second,
			RateLimit:            30,
			RateWindow:           time.Minute,
			MaxInflight:          4,
			LockWait:             1200 * time.Millisecond,
			LockTTL:              25 * time.Second,
		},
		Retrieval: RetrievalConfig{
			IKAPIBaseURL:          "https://api.indiankanoon.org",
			IKWebBaseURL:          "https://indiankanoon.org",
			SerperURL:             "https://google.serper.dev/search",
			APITimeout:            9 * time.Second,
			WebTimeout:            12 * time.Second,
			SerperTimeout:         7 * time.Second,
			Max429Retries:         1,
			MaxRetryAfter:         20 * time.Second,
			Cooldown:              45 * time.Second,
			ChallengeCooldown:     4 * time.Minute,
			PageCap:               3,
			PageBudget:            9 * time.Second,
			GlobalInflight:        6,
			VerifyLimit:           8,
			DetailConcurrency:     4,
			DetailCacheTTL:        5 * time.Minute,
			HybridFallbackCutoff:  4,
			SnippetFallbackCutoff: 6,
			MinSnippets:           2,
			DocTopN:               5,
			DocConcurrency:        3,
			DocfragmentTimeout:    6 * time.Second,
			SerperCacheTTL:        10 * time.Minute,
		},
		Hybrid: HybridConfig{
			ShadowTimeout: 2500 * time.Millisecond,
			RerankTopN:    8,
			SemanticTopK:  20,
			EmbedProvider: "local",
			EmbedModel:    "gemini-embedding-001",
			LocalDims:     256,
			IndexPath:     "lexhound.db",
		},
		Cache: CacheConfig{
			StaleRecallTTL: 24 * time.Hour,
			StaleIndexCap:  120,
		},
		Scoring: ScoringConfig{
			ExploratoryConfidenceCap: 0.55,
			MediumBandFloor:          0.41,
			HighBandFloor:            0.73,
			MaxPerFingerprint:        2,
			MaxPerCourtDay:           3,
		},
		Flags: Flags{
			PropositionV5:         true,
			IKIntentV2:            true,
			IKStructuredQueryV2:   true,
			IKCategoryExpansionV1: true,
			IKDocmetaEnrichV1:     true,
			SerperQueryV2:         true,
			AlwaysReturnV1:        true,
			StaleFallback:         true,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.clamp()
	return cfg, nil
}

// applyEnvOverrides maps recognised environment variables onto the config.
// The documented knob names win over YAML values.
func (c *Config) applyEnvOverrides() {
	setStr(&c.Models.PrimaryModelID, "LLM_REASONER_MODEL_ID")
	setStr(&c.Models.FallbackModelID, "LLM_REASONER_FALLBACK_MODEL_ID")
	setStr(&c.Models.Region, "AWS_REGION", "LEXHOUND_REGION")
	setStr(&c.Models.RegionOverride, "LLM_REASONER_REGION_OVERRIDE")
	setDurMs(&c.Models.BaseTimeout, "LLM_REASONER_BASE_TIMEOUT_MS")
	setDurMs(&c.Models.MaxTimeout, "LLM_REASONER_MAX_TIMEOUT_MS")
	setInt(&c.Models.MaxTokens, "LLM_REASONER_MAX_TOKENS")
	setInt(&c.Models.MaxTokensRetry, "LLM_REASONER_MAX_TOKENS_RETRY")
	setBool(&c.Models.CompactPrompts, "LLM_REASONER_COMPACT_PROMPTS")

	setStr(&c.Reasoner.Mode, "LLM_REASONER_MODE")
	setInt(&c.Reasoner.MaxCallsPerRequest, "LLM_REASONER_MAX_CALLS")
	setDurSec(&c.Reasoner.Pass1TTL, "LLM_REASONER_PASS1_TTL_SEC")
	setDurSec(&c.Reasoner.Pass2TTL, "LLM_REASONER_PASS2_TTL_SEC")
	setInt(&c.Reasoner.CircuitFailThreshold, "CIRCUIT_FAIL_THRESHOLD")
	setDurMs(&c.Reasoner.CircuitCooldown, "CIRCUIT_COOLDOWN_MS")
	setInt(&c.Reasoner.RateLimit, "LLM_REASONER_RATE_LIMIT")
	setDurSec(&c.Reasoner.RateWindow, "LLM_REASONER_RATE_WINDOW_SEC")
	setInt(&c.Reasoner.MaxInflight, "LLM_REASONER_MAX_INFLIGHT")
	setDurMs(&c.Reasoner.LockWait, "LLM_REASONER_LOCK_WAIT_MS")

	setStr(&c.Retrieval.IKAPIBaseURL, "IK_API_BASE_URL")
	setStr(&c.Retrieval.IKAPIToken, "IK_API_TOKEN")
	setStr(&c.Retrieval.IKWebBaseURL, "IK_WEB_BASE_URL")
	setStr(&c.Retrieval.SerperURL, "SERPER_URL")
	setStr(&c.Retrieval.SerperAPIKey, "SERPER_API_KEY")
	setDurMs(&c.Retrieval.APITimeout, "IK_API_TIMEOUT_MS")
	setDurMs(&c.Retrieval.WebTimeout, "IK_WEB_TIMEOUT_MS")
	setDurMs(&c.Retrieval.SerperTimeout, "SERPER_TIMEOUT_MS")
	setInt(&c.Retrieval.Max429Retries, "MAX_429_RETRIES")
	setDurSec(&c.Retrieval.MaxRetryAfter, "MAX_RETRY_AFTER_SEC")
	setDurSec(&c.Retrieval.Cooldown, "COOLDOWN_SEC")
	setDurSec(&c.Retrieval.ChallengeCooldown, "CHALLENGE_COOLDOWN_SEC")
	setInt(&c.Retrieval.GlobalInflight, "RETRIEVAL_GLOBAL_INFLIGHT")
	setInt(&c.Retrieval.VerifyLimit, "DEFAULT_VERIFY_LIMIT")
	setInt(&c.Retrieval.DetailConcurrency, "DETAIL_CONCURRENCY")
	setDurSec(&c.Retrieval.DetailCacheTTL, "DETAIL_CACHE_TTL_SEC")
	setInt(&c.Retrieval.MinSnippets, "MIN_SNIPPETS")
	setInt(&c.Retrieval.DocTopN, "IK_DOC_TOP_N")
	setInt(&c.Retrieval.DocConcurrency, "IK_DOC_CONCURRENCY")

	setBool(&c.Hybrid.Enabled, "HYBRID_ENABLED")
	setBool(&c.Hybrid.ShadowCapture, "HYBRID_SHADOW_CAPTURE")
	setDurMs(&c.Hybrid.ShadowTimeout, "HYBRID_SHADOW_TIMEOUT_MS")
	setInt(&c.Hybrid.RerankTopN, "RERANK_TOP_N")
	setStr(&c.Hybrid.EmbedProvider, "EMBED_PROVIDER")
	setStr(&c.Hybrid.EmbedModel, "EMBED_MODEL")
	setStr(&c.Hybrid.GenAIAPIKey, "GENAI_API_KEY", "GEMINI_API_KEY")
	setStr(&c.Hybrid.IndexPath, "LEXHOUND_INDEX_PATH")

	setStr(&c.Cache.RedisAddr, "REDIS_ADDR")
	setStr(&c.Cache.RedisPassword, "REDIS_PASSWORD")
	setInt(&c.Cache.RedisDB, "REDIS_DB")

	setFloat(&c.Scoring.ExploratoryConfidenceCap, "EXPLORATORY_CONFIDENCE_CAP")

	setBool(&c.Flags.PropositionV3, "FLAG_PROPOSITION_V3")
	setBool(&c.Flags.PropositionV41, "FLAG_PROPOSITION_V41")
	setBool(&c.Flags.PropositionV5, "FLAG_PROPOSITION_V5")
	setBool(&c.Flags.IKIntentV2, "FLAG_IK_INTENT_V2")
	setBool(&c.Flags.IKStructuredQueryV2, "FLAG_IK_STRUCTURED_QUERY_V2")
	setBool(&c.Flags.IKCategoryExpansionV1, "FLAG_IK_CATEGORY_EXPANSION_V1")
	setBool(&c.Flags.IKDocmetaEnrichV1, "FLAG_IK_DOCMETA_ENRICH_V1")
	setBool(&c.Flags.SerperQueryV2, "FLAG_SERPER_QUERY_V2")
	setBool(&c.Flags.AlwaysReturnV1, "FLAG_ALWAYS_RETURN_V1")
	setBool(&c.Flags.StaleFallback, "FLAG_STALE_FALLBACK")
	setBool(&c.Flags.StrictCoOccurrence, "FLAG_STRICT_CO_OCCURRENCE")

	setStr(&c.Server.Addr, "LEXHOUND_ADDR")
}

// clamp keeps operator-supplied values inside the ranges the pipeline
// assumes.
func (c *Config) clamp() {
	if c.Reasoner.MaxInflight < 1 {
		c.Reasoner.MaxInflight = 1
	}
	if c.Reasoner.MaxCallsPerRequest < 0 {
		c.Reasoner.MaxCallsPerRequest = 0
	}
	if c.Retrieval.DetailConcurrency < 1 {
		c.Retrieval.DetailConcurrency = 1
	}
	if c.Retrieval.DetailConcurrency > 6 {
		c.Retrieval.DetailConcurrency = 6
	}
	if c.Retrieval.VerifyLimit < 1 {
		c.Retrieval.VerifyLimit = 1
	}
	if c.Retrieval.GlobalInflight < 1 {
		c.Retrieval.GlobalInflight = 1
	}
	if c.Scoring.ExploratoryConfidenceCap <= 0 || c.Scoring.ExploratoryConfidenceCap > 1 {
		c.Scoring.ExploratoryConfidenceCap = 0.55
	}
	if c.Cache.StaleIndexCap < 1 {
		c.Cache.StaleIndexCap = 120
	}
	if c.Reasoner.Mode != "on" && c.Reasoner.Mode != "deterministic" {
		c.Reasoner.Mode = "deterministic"
	}
}

func setStr(dst *string, names ...string) {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
			return
		}
	}
}

func setInt(dst *int, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDurMs(dst *time.Duration, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func setDurSec(dst *time.Duration, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}
