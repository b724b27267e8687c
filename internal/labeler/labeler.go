package labeler

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type Sensitivity string

const (
	// SensitivityStrong marks markets decided by information a small group holds
	// before the public does (regulatory rulings, rate decisions, corporate deals).
	SensitivityStrong Sensitivity = "strong"
	SensitivityWeak   Sensitivity = "weak"
	SensitivityNone   Sensitivity = "none"
	// SensitivityExcluded marks markets settled by public prices or play.
	SensitivityExcluded Sensitivity = "excluded"
)

// Score maps a sensitivity to the multiplier detectors apply.
func (s Sensitivity) Score() float64 {
	switch s {
	case SensitivityStrong:
		return 1.0
	case SensitivityWeak:
		return 0.8
	case SensitivityExcluded:
		return 0.4
	default:
		return 0.6
	}
}

type LabelRule struct {
	Label      string
	TitleRegex []string
	TagMatch   []string
	Strong     bool

	compiled []*regexp.Regexp
}

type Label struct {
	Sensitivity Sensitivity `json:"sensitivity"`
	Categories  []string    `json:"categories,omitempty"`
}

// MarketLabeler classifies market questions by how exposed they are to privately held
// information. Classification is pure: no network fallback for ambiguous headlines.
type MarketLabeler struct {
	Rules      []LabelRule
	Exclusions []LabelRule
	Logger     *zap.Logger

	once sync.Once
}

func kw(words ...string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		out = append(out, `(?i)\b`+regexp.QuoteMeta(w)+`\b`)
	}
	return out
}

func DefaultRules() []LabelRule {
	return []LabelRule{
		{Label: "announcement", TitleRegex: kw("announce", "announces", "announced", "announcement", "reveal", "disclose"), Strong: true},
		{Label: "regulatory", TitleRegex: kw("approve", "approves", "approved", "approval", "sec", "fda", "regulator", "legislation", "regulate", "authorize", "authorization"), Strong: true},
		{Label: "monetary", TitleRegex: kw("interest rate", "interest rates", "fed", "federal reserve", "central bank", "monetary policy", "rate hike", "rate cut", "cut rates", "hike rates"), Strong: true},
		{Label: "corporate", TitleRegex: kw("merger", "acquisition", "acquire", "buyout", "takeover", "ipo", "earnings", "quarterly report"), Strong: true},
		{Label: "release", TitleRegex: kw("release", "released", "launch", "unveil", "debut", "rollout")},
		{Label: "political", TitleRegex: kw("election", "elect", "vote", "ballot", "referendum", "senate", "congress", "parliament"), TagMatch: []string{"Politics", "Elections"}},
		{Label: "meeting", TitleRegex: kw("meeting", "summit", "conference", "decision")},
	}
}

func DefaultExclusions() []LabelRule {
	return []LabelRule{
		{Label: "price_target", TitleRegex: kw("price", "reach", "hit", "above", "below", "stock price", "market cap")},
		{Label: "crypto", TitleRegex: kw("bitcoin", "btc", "eth", "ethereum", "crypto"), TagMatch: []string{"Crypto"}},
		{Label: "weather", TitleRegex: kw("weather", "temperature")},
		{Label: "sports", TitleRegex: kw("sports", "game", "win", "championship", "score", "team"), TagMatch: []string{"Sports", "NBA", "NFL", "MLB", "Soccer", "Tennis"}},
	}
}

func New(logger *zap.Logger) *MarketLabeler {
	return &MarketLabeler{Rules: DefaultRules(), Exclusions: DefaultExclusions(), Logger: logger}
}

func (l *MarketLabeler) compile() {
	l.once.Do(func() {
		if len(l.Rules) == 0 {
			l.Rules = DefaultRules()
		}
		if l.Exclusions == nil {
			l.Exclusions = DefaultExclusions()
		}
		l.compileRules(l.Rules)
		l.compileRules(l.Exclusions)
	})
}

func (l *MarketLabeler) compileRules(rules []LabelRule) {
	for i := range rules {
		for _, raw := range rules[i].TitleRegex {
			re, err := regexp.Compile(raw)
			if err != nil {
				if l.Logger != nil {
					l.Logger.Warn("label rule regex compile failed", zap.String("label", rules[i].Label), zap.String("regex", raw), zap.Error(err))
				}
				continue
			}
			rules[i].compiled = append(rules[i].compiled, re)
		}
	}
}

// Classify labels one market question. Exclusions win over insider keywords.
func (l *MarketLabeler) Classify(question string, tags []string) Label {
	if l == nil {
		return Label{Sensitivity: SensitivityNone}
	}
	l.compile()

	title := strings.TrimSpace(question)
	if title == "" && len(tags) == 0 {
		return Label{Sensitivity: SensitivityNone}
	}
	for _, rule := range l.Exclusions {
		if matchAny(rule, title) || matchTags(rule, tags) {
			return Label{Sensitivity: SensitivityExcluded, Categories: []string{rule.Label}}
		}
	}

	out := Label{Sensitivity: SensitivityNone}
	for _, rule := range l.Rules {
		if !matchAny(rule, title) && !matchTags(rule, tags) {
			continue
		}
		out.Categories = append(out.Categories, rule.Label)
		if rule.Strong {
			out.Sensitivity = SensitivityStrong
		} else if out.Sensitivity == SensitivityNone {
			out.Sensitivity = SensitivityWeak
		}
	}
	sort.Strings(out.Categories)
	return out
}

func matchAny(rule LabelRule, title string) bool {
	for _, re := range rule.compiled {
		if re.MatchString(title) {
			return true
		}
	}
	return false
}

func matchTags(rule LabelRule, tags []string) bool {
	if len(rule.TagMatch) == 0 || len(tags) == 0 {
		return false
	}
	want := map[string]struct{}{}
	for _, t := range rule.TagMatch {
		key := strings.ToLower(strings.TrimSpace(t))
		if key != "" {
			want[key] = struct{}{}
		}
	}
	for _, tag := range tags {
		key := strings.ToLower(strings.TrimSpace(tag))
		if key == "" {
			continue
		}
		if _, ok := want[key]; ok {
			return true
		}
	}
	return false
}
