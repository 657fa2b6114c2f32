package db

import (
	"time"

	"github.com/rx3lixir/migration-service/internal/migration"
)

// Trade представляет исполненную сделку в целевом хранилище
type Trade struct {
	Id          int64
	EntityID    string
	Symbol      string
	Side        string
	Quantity    float64
	Price       float64
	Strategy    string
	ExecutedAt  time.Time
	MigrationID string
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// MarketTick представляет один тик рыночных данных
type MarketTick struct {
	Id          int64
	EntityID    string
	Symbol      string
	Bid         float64
	Ask         float64
	Last        float64
	Volume      float64
	TickTime    time.Time
	MigrationID string
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// StrategyState представляет состояние торговой стратегии
type StrategyState struct {
	Id          int64
	EntityID    string
	Name        string
	Symbol      string
	Position    float64
	PnL         float64
	Params      string
	MigrationID string
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// PortfolioSnapshot представляет снимок портфеля на момент времени
type PortfolioSnapshot struct {
	Id            int64
	EntityID      string
	Equity        float64
	Cash          float64
	OpenPositions int
	TakenAt       time.Time
	MigrationID   string
	CreatedAt     time.Time
	UpdatedAt     *time.Time
}

// updatableColumns - допустимые при вставке и обновлении колонки каждой
// категории, в детерминированном порядке. Имена полей вне этого списка
// молча отбрасываются - это же защита от инъекции через имена колонок.
var updatableColumns = map[migration.EntityKind][]string{
	migration.KindTrades:             {"symbol", "side", "quantity", "price", "strategy", "executed_at"},
	migration.KindMarketTicks:        {"symbol", "bid", "ask", "last", "volume", "tick_time"},
	migration.KindStrategyStates:     {"name", "symbol", "position", "pnl", "params"},
	migration.KindPortfolioSnapshots: {"equity", "cash", "open_positions", "taken_at"},
}

// == Коэрция значений FieldMap == \\

func fieldString(m migration.FieldMap, key string) string {
	v, ok := m[key].(string)
	if !ok {
		return ""
	}
	return v
}

// == Преобразование записей в FieldMap == \\

func (t *Trade) toFields() migration.FieldMap {
	return migration.FieldMap{
		"entity_id":   t.EntityID,
		"symbol":      t.Symbol,
		"side":        t.Side,
		"quantity":    t.Quantity,
		"price":       t.Price,
		"strategy":    t.Strategy,
		"executed_at": t.ExecutedAt,
		"created_at":  t.CreatedAt,
		"updated_at":  t.UpdatedAt,
	}
}

func (t *MarketTick) toFields() migration.FieldMap {
	return migration.FieldMap{
		"entity_id":  t.EntityID,
		"symbol":     t.Symbol,
		"bid":        t.Bid,
		"ask":        t.Ask,
		"last":       t.Last,
		"volume":     t.Volume,
		"tick_time":  t.TickTime,
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
	}
}

func (s *StrategyState) toFields() migration.FieldMap {
	return migration.FieldMap{
		"entity_id":  s.EntityID,
		"name":       s.Name,
		"symbol":     s.Symbol,
		"position":   s.Position,
		"pnl":        s.PnL,
		"params":     s.Params,
		"created_at": s.CreatedAt,
		"updated_at": s.UpdatedAt,
	}
}

func (p *PortfolioSnapshot) toFields() migration.FieldMap {
	return migration.FieldMap{
		"entity_id":      p.EntityID,
		"equity":         p.Equity,
		"cash":           p.Cash,
		"open_positions": p.OpenPositions,
		"taken_at":       p.TakenAt,
		"created_at":     p.CreatedAt,
		"updated_at":     p.UpdatedAt,
	}
}
