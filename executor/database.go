package executor

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var ErrUnknownDriver = errors.New("unknown database driver")

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type DBExecutionOutcome struct {
	OpportunityID string         `db:"opportunity_id"`
	Network       string         `db:"network"`
	SourceTxHash  string         `db:"source_tx_hash"`
	Tactic        string         `db:"tactic"`
	Category      string         `db:"category"`
	Status        string         `db:"status"`
	Reason        string         `db:"reason"`
	TxHash        sql.NullString `db:"tx_hash"`
	Nonce         sql.NullInt64  `db:"nonce"`
	ProfitWei     string         `db:"profit_wei"`
	ProfitEth     float64        `db:"profit_eth"`
	GasUsed       int64          `db:"gas_used"`
	GasPriceWei   string         `db:"gas_price_wei"`
	// unix milliseconds
	DetectedAt int64 `db:"detected_at"`
	ResolvedAt int64 `db:"resolved_at"`
}

var insertOutcomeQuery = `
INSERT INTO execution_outcome (opportunity_id, network, source_tx_hash, tactic, category, status, reason, tx_hash, nonce,
                               profit_wei, profit_eth, gas_used, gas_price_wei, detected_at, resolved_at)
VALUES (:opportunity_id, :network, :source_tx_hash, :tactic, :category, :status, :reason, :tx_hash, :nonce,
        :profit_wei, :profit_eth, :gas_used, :gas_price_wei, :detected_at, :resolved_at)
ON CONFLICT (opportunity_id) DO NOTHING`

var selectRecentOutcomesQuery = `
SELECT opportunity_id, network, source_tx_hash, tactic, category, status, reason, tx_hash, nonce,
       profit_wei, profit_eth, gas_used, gas_price_wei, detected_at, resolved_at
FROM execution_outcome
WHERE network = ?
ORDER BY resolved_at DESC
LIMIT ?`

var outcomeSummaryQuery = `
SELECT status, COUNT(*) AS count, COALESCE(SUM(profit_eth), 0) AS profit_eth
FROM execution_outcome
WHERE network = ?
GROUP BY status`

type DBWeightSnapshot struct {
	NetworkKey string `db:"network_key"`
	TakenAt    int64  `db:"taken_at"`
	Weights    string `db:"weights"`
}

var upsertWeightsQuery = `
INSERT INTO weight_snapshot (network_key, taken_at, weights)
VALUES (:network_key, :taken_at, :weights)
ON CONFLICT (network_key, taken_at) DO UPDATE SET weights = excluded.weights`

var selectLatestWeightsQuery = `
SELECT weights
FROM weight_snapshot
WHERE network_key = ?
ORDER BY taken_at DESC
LIMIT 1`

// OutcomeSummary is the number of outcomes and their total profit per status.
type OutcomeSummary struct {
	Status    string  `db:"status" json:"status"`
	Count     int64   `db:"count" json:"count"`
	ProfitEth float64 `db:"profit_eth" json:"profitEth"`
}

// DBBackend is the append-only outcome history and the weight snapshot store, on Postgres or SQLite.
type DBBackend struct {
	db *sqlx.DB

	insertOutcome *sqlx.NamedStmt
	recent        *sqlx.Stmt
	summary       *sqlx.Stmt
	upsertWeights *sqlx.NamedStmt
	latestWeights *sqlx.Stmt
}

// NewDBBackend connects and migrates the schema. For sqlite the dsn may be a plain file path.
func NewDBBackend(driver, dsn string) (*DBBackend, error) {
	var dialect string
	switch driver {
	case DriverPostgres:
		dialect = "postgres"
	case DriverSQLite:
		dialect = "sqlite3"
		if !strings.HasPrefix(dsn, "file:") {
			dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dsn)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(20)
	}

	if err := migrate(db.DB, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	b := &DBBackend{db: db}
	if err := b.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func migrate(db *sql.DB, dialect string) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

func (b *DBBackend) prepare() (err error) {
	if b.insertOutcome, err = b.db.PrepareNamed(insertOutcomeQuery); err != nil {
		return err
	}
	if b.recent, err = b.db.Preparex(b.db.Rebind(selectRecentOutcomesQuery)); err != nil {
		return err
	}
	if b.summary, err = b.db.Preparex(b.db.Rebind(outcomeSummaryQuery)); err != nil {
		return err
	}
	if b.upsertWeights, err = b.db.PrepareNamed(upsertWeightsQuery); err != nil {
		return err
	}
	b.latestWeights, err = b.db.Preparex(b.db.Rebind(selectLatestWeightsQuery))
	return err
}

// InsertOutcome appends a terminal outcome. A second outcome for the same opportunity is ignored.
func (b *DBBackend) InsertOutcome(ctx context.Context, outcome *ExecutionOutcome) error {
	row := DBExecutionOutcome{
		OpportunityID: outcome.OpportunityID.String(),
		Network:       outcome.Network,
		SourceTxHash:  outcome.SourceTxHash.Hex(),
		Tactic:        outcome.Tactic.String(),
		Category:      outcome.Tactic.Category().String(),
		Status:        outcome.Status.String(),
		Reason:        outcome.Reason,
		ProfitWei:     bigString(outcome.Profit),
		ProfitEth:     weiToEth(outcome.Profit),
		GasUsed:       int64(outcome.GasUsed),
		GasPriceWei:   bigString(outcome.GasPrice),
		DetectedAt:    outcome.DetectedAt.UnixMilli(),
		ResolvedAt:    outcome.ResolvedAt.UnixMilli(),
	}
	if outcome.TxHash != (common.Hash{}) {
		row.TxHash = sql.NullString{String: outcome.TxHash.Hex(), Valid: true}
		row.Nonce = sql.NullInt64{Int64: int64(outcome.Nonce), Valid: true}
	}
	_, err := b.insertOutcome.ExecContext(ctx, row)
	return err
}

func (b *DBBackend) RecentOutcomes(ctx context.Context, network string, limit int) ([]DBExecutionOutcome, error) {
	var rows []DBExecutionOutcome
	err := b.recent.SelectContext(ctx, &rows, network, limit)
	return rows, err
}

func (b *DBBackend) OutcomeSummary(ctx context.Context, network string) ([]OutcomeSummary, error) {
	var rows []OutcomeSummary
	err := b.summary.SelectContext(ctx, &rows, network)
	return rows, err
}

// SaveWeights stores a new snapshot of a weight table.
func (b *DBBackend) SaveWeights(ctx context.Context, key string, weights map[string]float64) error {
	data, err := json.Marshal(weights)
	if err != nil {
		return err
	}
	_, err = b.upsertWeights.ExecContext(ctx, DBWeightSnapshot{
		NetworkKey: key,
		TakenAt:    time.Now().UnixMilli(),
		Weights:    string(data),
	})
	return err
}

// LoadWeights returns the latest snapshot, nil when there is none.
func (b *DBBackend) LoadWeights(ctx context.Context, key string) (map[string]float64, error) {
	var data string
	err := b.latestWeights.GetContext(ctx, &data, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var weights map[string]float64
	if err := json.Unmarshal([]byte(data), &weights); err != nil {
		return nil, err
	}
	return weights, nil
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
