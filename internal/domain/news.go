package domain

import (
	"strings"
	"time"
)

// NewsItem is a single piece of news produced by the ingestion collaborator.
// It is immutable once created.
type NewsItem struct {
	ID               string    `json:"id"`
	Source           string    `json:"source"`
	Text             string    `json:"text"`
	PublishedAt      time.Time `json:"published_at"`
	SymbolsMentioned []string  `json:"symbols_mentioned"`
}

// Symbols returns the mentioned tickers upper-cased and de-duplicated, in
// first-mention order.
func (n NewsItem) Symbols() []string {
	seen := make(map[string]bool, len(n.SymbolsMentioned))
	out := make([]string, 0, len(n.SymbolsMentioned))
	for _, s := range n.SymbolsMentioned {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// SentimentScore is the scorer's verdict on one NewsItem.
type SentimentScore struct {
	NewsID     string  `json:"news_id"`
	Polarity   float64 `json:"polarity"`   // [-1, 1]
	Confidence float64 `json:"confidence"` // [0, 1]
	Method     string  `json:"method"`
}

// ScoredNews is the envelope carried on the news stream. Sentiment is nil
// when the scorer produced nothing for the item.
type ScoredNews struct {
	News      NewsItem        `json:"news"`
	Sentiment *SentimentScore `json:"sentiment,omitempty"`
}

// NewsRecord is the persisted form of a scored news item.
type NewsRecord struct {
	NewsItem
	Polarity       float64   `json:"polarity"`
	Confidence     float64   `json:"confidence"`
	Method         string    `json:"method"`
	TriggeredTrade bool      `json:"triggered_trade"`
	ReceivedAt     time.Time `json:"received_at"`
}
