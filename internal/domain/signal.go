package domain

// Direction is the side a trade signal recommends.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Side maps a signal direction to the order side that realises it.
func (d Direction) Side() OrderSide {
	if d == DirectionSell {
		return OrderSideSell
	}
	return OrderSideBuy
}

// TradeSignal is a directional recommendation derived from one scored news
// item. Signals are produced fresh per evaluation and never stored alone.
type TradeSignal struct {
	Symbol       string    `json:"symbol"`
	Direction    Direction `json:"direction"`
	Strength     float64   `json:"strength"`
	SourceNewsID string    `json:"source_news_id"`
}
