package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect 各数据库的占位符和建表语句
type Dialect struct {
	Name string
	// Numbered 为 true 时占位符写作 $1, $2 ...
	Numbered bool
	Schema   []string
}

// rebind 把查询里的 ? 换成方言占位符
func (d Dialect) rebind(q string) string {
	if !d.Numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS opportunities (
  id TEXT PRIMARY KEY,
  token_code TEXT NOT NULL,
  token_pairs TEXT NOT NULL,
  trading_start_ms INTEGER NOT NULL,
  state TEXT NOT NULL,
  updated_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_opp_state ON opportunities(state)`,
		`CREATE TABLE IF NOT EXISTS tokens (
  token_code TEXT PRIMARY KEY,
  token_contract TEXT NOT NULL,
  token_pairs TEXT NOT NULL,
  trading_start_ms INTEGER NOT NULL,
  amount_wei TEXT NOT NULL,
  purchase_price_wei TEXT NOT NULL,
  sell_price_usd REAL NOT NULL,
  status TEXT NOT NULL,
  updated_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_status ON tokens(status)`,
		`CREATE TABLE IF NOT EXISTS close_requests (
  id TEXT PRIMARY KEY,
  requested_ms INTEGER NOT NULL
)`,
	},
}

var Postgres = Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS opportunities (
  id TEXT PRIMARY KEY,
  token_code TEXT NOT NULL,
  token_pairs TEXT NOT NULL,
  trading_start_ms BIGINT NOT NULL,
  state TEXT NOT NULL,
  updated_ms BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_opp_state ON opportunities(state)`,
		`CREATE TABLE IF NOT EXISTS tokens (
  token_code TEXT PRIMARY KEY,
  token_contract TEXT NOT NULL,
  token_pairs TEXT NOT NULL,
  trading_start_ms BIGINT NOT NULL,
  amount_wei TEXT NOT NULL,
  purchase_price_wei TEXT NOT NULL,
  sell_price_usd DOUBLE PRECISION NOT NULL,
  status TEXT NOT NULL,
  updated_ms BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_status ON tokens(status)`,
		`CREATE TABLE IF NOT EXISTS close_requests (
  id TEXT PRIMARY KEY,
  requested_ms BIGINT NOT NULL
)`,
	},
}

// MySQL 不支持 CREATE INDEX IF NOT EXISTS，索引写在表定义里
var MySQL = Dialect{
	Name: "mysql",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS opportunities (
  id VARCHAR(64) PRIMARY KEY,
  token_code VARCHAR(64) NOT NULL,
  token_pairs TEXT NOT NULL,
  trading_start_ms BIGINT NOT NULL,
  state VARCHAR(32) NOT NULL,
  updated_ms BIGINT NOT NULL,
  INDEX idx_opp_state (state)
)`,
		`CREATE TABLE IF NOT EXISTS tokens (
  token_code VARCHAR(64) PRIMARY KEY,
  token_contract VARCHAR(128) NOT NULL,
  token_pairs TEXT NOT NULL,
  trading_start_ms BIGINT NOT NULL,
  amount_wei VARCHAR(80) NOT NULL,
  purchase_price_wei VARCHAR(80) NOT NULL,
  sell_price_usd DOUBLE NOT NULL,
  status VARCHAR(32) NOT NULL,
  updated_ms BIGINT NOT NULL,
  INDEX idx_tokens_status (status)
)`,
		`CREATE TABLE IF NOT EXISTS close_requests (
  id VARCHAR(64) PRIMARY KEY,
  requested_ms BIGINT NOT NULL
)`,
	},
}
