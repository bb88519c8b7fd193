package moderation

import (
	"regexp"
	"time"
)

// Compiled regex patterns for scam detection.
// These are compiled once at package init and reused for every call,
// making them safe and efficient for concurrent use.
var (
	// linkPattern matches http/https URLs, www. URLs, and bare-domain links
	// on common TLDs. Sharing contact links is the usual first move of a
	// scam attempt in anonymous chats.
	linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|vn|xyz|info|biz|ru|cn|tk|ml|ga|cf)(/\S*)?)`)

	// phonePattern matches phone number formats such as:
	//   +84-912-345-678, (091) 234-5678, 0912.345.678
	// Anchored to whitespace/string boundaries to avoid matching random digit
	// sequences embedded in normal words or short numbers like "100".
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// Default confidence threshold: remote verdicts below this score are treated
// as safe regardless of label.
const DefaultScoreThreshold = 0.8

// DefaultClassifierTimeout bounds a single remote classifier call.
const DefaultClassifierTimeout = 10 * time.Second

// RuleConfig holds the keyword lists and scam patterns used by the local
// rule classifier. Keywords are matched by substring containment against
// normalized text, so entries must themselves be lowercase.
type RuleConfig struct {
	Sexual       []string
	HateOrThreat []string
	Grooming     []string
	LinkPattern  *regexp.Regexp
	PhonePattern *regexp.Regexp
}

// Config is the immutable pipeline configuration injected into the
// Orchestrator at construction. Tests substitute fixture values; production
// wiring starts from DefaultConfig and applies env overrides in main.
type Config struct {
	Rules RuleConfig

	// ScoreThreshold is the minimum remote classifier confidence for a
	// harmful label to have any effect.
	ScoreThreshold float64

	// ClassifierURL is the remote moderation endpoint (POST /moderate).
	ClassifierURL string

	// ClassifierTimeout is the hard per-call timeout.
	ClassifierTimeout time.Duration
}

// DefaultConfig returns the production pipeline configuration with the
// built-in keyword lists (Vietnamese plus common English terms) and scam
// patterns.
func DefaultConfig() Config {
	return Config{
		Rules: RuleConfig{
			Sexual: []string{
				"sex",
				"làm tình",
				"quan hệ đi",
				"khỏa thân",
				"ảnh nóng",
				"nude",
				"show hàng",
			},
			HateOrThreat: []string{
				"giết mày",
				"đánh chết",
				"đồ ngu",
				"đồ rác rưởi",
				"tao giết",
				"kill you",
			},
			Grooming: []string{
				"đừng nói với bố mẹ",
				"giữ bí mật nhé",
				"em mấy tuổi",
				"gửi ảnh cho anh",
				"our little secret",
			},
			LinkPattern:  linkPattern,
			PhonePattern: phonePattern,
		},
		ScoreThreshold:    DefaultScoreThreshold,
		ClassifierURL:     "http://localhost:8000/moderate",
		ClassifierTimeout: DefaultClassifierTimeout,
	}
}
