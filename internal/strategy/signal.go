package strategy

import (
	"math"
	"strings"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// SignalConfig holds the thresholds and symbol universe for signal
// generation.
type SignalConfig struct {
	SupportedCoins    []string
	MinSignalStrength float64
	MinConfidence     float64
}

// Generator turns scored news into trade signals. It holds only immutable
// configuration and is safe for concurrent use.
type Generator struct {
	supported   map[string]bool
	minStrength float64
	minConf     float64
}

// NewGenerator creates a Generator. Supported coins are matched
// case-insensitively.
func NewGenerator(cfg SignalConfig) *Generator {
	supported := make(map[string]bool, len(cfg.SupportedCoins))
	for _, c := range cfg.SupportedCoins {
		supported[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return &Generator{
		supported:   supported,
		minStrength: cfg.MinSignalStrength,
		minConf:     cfg.MinConfidence,
	}
}

// Supports reports whether coin is tradable.
func (g *Generator) Supports(coin string) bool {
	return g.supported[strings.ToUpper(coin)]
}

// Generate returns one signal per supported symbol mentioned in news, in
// mention order. It returns nil when the score is absent, no symbol is
// mentioned, confidence is under the floor, or strength
// (confidence * |polarity|) is under the minimum.
func (g *Generator) Generate(news domain.NewsItem, score *domain.SentimentScore) []domain.TradeSignal {
	if score == nil {
		return nil
	}
	symbols := news.Symbols()
	if len(symbols) == 0 {
		return nil
	}
	if score.Confidence < g.minConf {
		return nil
	}
	strength := Strength(score.Polarity, score.Confidence)
	if strength < g.minStrength {
		return nil
	}

	dir := domain.DirectionSell
	if score.Polarity > 0 {
		dir = domain.DirectionBuy
	}

	var out []domain.TradeSignal
	for _, sym := range symbols {
		if !g.supported[sym] {
			continue
		}
		out = append(out, domain.TradeSignal{
			Symbol:       sym,
			Direction:    dir,
			Strength:     strength,
			SourceNewsID: news.ID,
		})
	}
	return out
}

// Strength is confidence * |polarity| clamped to [0, 1].
func Strength(polarity, confidence float64) float64 {
	s := confidence * math.Abs(polarity)
	switch {
	case math.IsNaN(s) || s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// Quantity converts a quote amount into a base quantity at price, rounded
// down to precision decimals so the order never spends more than amount.
func Quantity(amount, price float64, precision int) float64 {
	if amount <= 0 || price <= 0 {
		return 0
	}
	factor := math.Pow(10, float64(precision))
	// The epsilon absorbs binary representation error (10/0.1 = 99.99999...).
	return math.Floor(amount/price*factor+1e-9) / factor
}
