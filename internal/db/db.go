package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"label-rag/internal/config"
	"label-rag/internal/models"
)

// Turn is one archived question-answering cycle.
type Turn struct {
	bun.BaseModel `bun:"table:conversation_turns,alias:t"`
	ID            int64     `bun:"id,pk,autoincrement"`
	SessionID     string    `bun:"session_id,notnull"`
	DocumentID    string    `bun:"document_id,notnull"`
	Question      string    `bun:"question,notnull"`
	Answer        string    `bun:"answer,notnull"`
	Pages         []int     `bun:"pages,array"`
	NoEvidence    bool      `bun:"no_evidence,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens the archive database. driver "postgres" goes through
// lib/pq; anything else uses bun's pgdriver.
func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	if cfg.Driver == "postgres" {
		sqldb, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, models.ConfigurationError("db.ConnectDB", "invalid postgres dsn", err)
		}
		return sqldb, nil
	}
	opts := []pgdriver.Option{pgdriver.WithDSN(cfg.DSN)}
	if cfg.Password != "" {
		opts = append(opts, pgdriver.WithPassword(cfg.Password))
	}
	return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
}

func InitDB(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().Model((*Turn)(nil)).IfNotExists().Exec(ctx)
	return err
}

// Archive stores answered turns.
type Archive struct {
	db *bun.DB
}

func NewArchive(db *bun.DB) *Archive {
	return &Archive{db: db}
}

// Open connects, creates the table if needed and returns the archive.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Archive, error) {
	sqldb, err := ConnectDB(cfg)
	if err != nil {
		return nil, err
	}
	db := NewDB(sqldb, cfg.Debug)
	if err := InitDB(ctx, db); err != nil {
		_ = db.Close()
		return nil, models.ExternalCallError("db.Open", "create conversation_turns", err)
	}
	return NewArchive(db), nil
}

func (a *Archive) StoreTurn(ctx context.Context, documentID string, answer *models.Answer, question string) error {
	turn := &Turn{
		SessionID:  answer.SessionID,
		DocumentID: documentID,
		Question:   question,
		Answer:     answer.Text,
		Pages:      answer.Pages(),
		NoEvidence: answer.NoEvidence,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := a.db.NewInsert().Model(turn).Returning("NULL").Exec(ctx); err != nil {
		return fmt.Errorf("store turn: %w", err)
	}
	return nil
}

// ListTurns returns the newest turns of a session first, at most limit.
func (a *Archive) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	var turns []Turn
	err := a.db.NewSelect().
		Model(&turns).
		Where("session_id = ?", sessionID).
		OrderExpr("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return turns, nil
}

func (a *Archive) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	res, err := a.db.NewDelete().Model((*Turn)(nil)).Where("session_id = ?", sessionID).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete session turns: %w", err)
	}
	return res.RowsAffected()
}

func (a *Archive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// Reset drops and recreates the archive table.
func (a *Archive) Reset(ctx context.Context) error {
	if err := DropTurns(ctx, a.db); err != nil {
		return fmt.Errorf("drop conversation_turns: %w", err)
	}
	if err := InitDB(ctx, a.db); err != nil {
		return fmt.Errorf("create conversation_turns: %w", err)
	}
	return nil
}

func DropTurns(ctx context.Context, db *bun.DB) error {
	_, err := db.NewDropTable().Model((*Turn)(nil)).IfExists().Exec(ctx)
	return err
}
