package ai

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/camuig/crypto-trader/internal/trading"
)

// defaultPositionPct applies when the model leaves out "position".
const defaultPositionPct = 50.0

var thinkTagRegex = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkTags removes DeepSeek R1 reasoning tags from the response.
func StripThinkTags(text string) string {
	return strings.TrimSpace(thinkTagRegex.ReplaceAllString(text, ""))
}

// ParseRecommendation turns a raw completion into a validated
// Recommendation. Handles markdown code fences and JSON embedded in prose.
// Every failure wraps trading.ErrAdvisorMalformedResponse.
func ParseRecommendation(text string, indicators trading.IndicatorSet, at time.Time) (trading.Recommendation, error) {
	adv, err := decodeAdvice(text)
	if err != nil {
		return trading.Recommendation{}, err
	}
	return adv.validate(indicators, at)
}

func decodeAdvice(text string) (advice, error) {
	cleaned := StripThinkTags(text)

	// Remove markdown code fences
	if i := strings.Index(cleaned, "```"); i >= 0 {
		cleaned = cleaned[i+3:]
		cleaned = strings.TrimPrefix(cleaned, "json")
		if j := strings.Index(cleaned, "```"); j >= 0 {
			cleaned = cleaned[:j]
		}
	}
	cleaned = strings.TrimSpace(cleaned)

	var adv advice
	if err := json.Unmarshal([]byte(cleaned), &adv); err == nil {
		return adv, nil
	}

	// Try extracting a single JSON object
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &adv); err == nil {
			return adv, nil
		}
	}

	return advice{}, fmt.Errorf("%w: not a JSON object: %.200s", trading.ErrAdvisorMalformedResponse, cleaned)
}

func (a advice) validate(indicators trading.IndicatorSet, at time.Time) (trading.Recommendation, error) {
	if a.Action == nil {
		return trading.Recommendation{}, fmt.Errorf("%w: missing action", trading.ErrAdvisorMalformedResponse)
	}
	action, err := trading.ParseAction(*a.Action)
	if err != nil {
		return trading.Recommendation{}, fmt.Errorf("%w: %v", trading.ErrAdvisorMalformedResponse, err)
	}

	if a.Confidence == nil {
		return trading.Recommendation{}, fmt.Errorf("%w: missing confidence", trading.ErrAdvisorMalformedResponse)
	}
	conf := *a.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 100 {
		return trading.Recommendation{}, fmt.Errorf("%w: confidence %v outside 0-100", trading.ErrAdvisorMalformedResponse, conf)
	}

	if a.Reason == nil {
		return trading.Recommendation{}, fmt.Errorf("%w: missing reason", trading.ErrAdvisorMalformedResponse)
	}

	pct := defaultPositionPct
	if a.Position != nil {
		pct = *a.Position
		if math.IsNaN(pct) || pct < 0 || pct > 100 {
			return trading.Recommendation{}, fmt.Errorf("%w: position %v outside 0-100", trading.ErrAdvisorMalformedResponse, pct)
		}
	}

	return trading.Recommendation{
		Action:           action,
		Confidence:       int(math.Round(conf)),
		PositionPct:      pct,
		Rationale:        strings.TrimSpace(*a.Reason),
		SourceIndicators: indicators,
		ReceivedAt:       at,
	}, nil
}
