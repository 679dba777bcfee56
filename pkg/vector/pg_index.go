package vector

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const pgIndexLockID int64 = 48219341

// PassageModel is the pgvector-backed passage table.
type PassageModel struct {
	ID        string           `gorm:"primaryKey"`
	Content   string           `gorm:"type:text;not null"`
	Title     string           `gorm:"not null"`
	Source    string
	Category  string           `gorm:"index"`
	Embedding *pgvector.Vector `gorm:"type:vector(1536)"`
	CreatedAt time.Time        `gorm:"not null"`
}

// PGIndex implements Index on Postgres with the pgvector extension. Scores
// are cosine similarity (1 - cosine distance).
type PGIndex struct {
	db         *gorm.DB
	dimensions int
}

// NewPGIndex opens the DB, ensures the extension and the passage table, and
// pins the embedding column to the configured dimension.
func NewPGIndex(dsn string, dimensions int) (*PGIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withLock(db, pgIndexLockID, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&PassageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(
			"ALTER TABLE passage_models ALTER COLUMN embedding TYPE vector(%d)", dimensions,
		)).Error; err != nil {
			return fmt.Errorf("alter embedding type: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &PGIndex{db: db, dimensions: dimensions}, nil
}

func withLock(db *gorm.DB, lockID int64, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockID)
	}()
	return fn(db)
}

// Upsert writes one passage and its embedding.
func (x *PGIndex) Upsert(ctx context.Context, passage Passage, embedding []float32) error {
	if err := x.validateDim(embedding); err != nil {
		return err
	}
	vec := pgvector.NewVector(embedding)
	model := PassageModel{
		ID:        passage.ID,
		Content:   passage.Content,
		Title:     passage.Title,
		Source:    passage.Source,
		Category:  passage.Category,
		Embedding: &vec,
		CreatedAt: time.Now().UTC(),
	}
	return x.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "title", "source", "category", "embedding"}),
	}).Create(&model).Error
}

// Query finds the topK closest passages by cosine distance.
func (x *PGIndex) Query(ctx context.Context, embedding []float32, topK int, category string) ([]Match, error) {
	if topK <= 0 {
		return []Match{}, nil
	}
	if err := x.validateDim(embedding); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(embedding)
	type row struct {
		PassageModel
		Score float64
	}
	query := x.db.WithContext(ctx).Model(&PassageModel{}).
		Select("*, 1 - (embedding <=> ?) AS score", vec).
		Where("embedding IS NOT NULL")
	if category != "" {
		query = query.Where("category = ?", category)
	}
	var rows []row
	if err := query.
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
		Limit(topK).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(rows))
	for _, r := range rows {
		matches = append(matches, Match{
			Passage: Passage{
				ID:       r.ID,
				Content:  r.Content,
				Title:    r.Title,
				Source:   r.Source,
				Category: r.Category,
			},
			Score: r.Score,
		})
	}
	return matches, nil
}

// Delete removes passages by ID.
func (x *PGIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return x.db.WithContext(ctx).Delete(&PassageModel{}, "id IN ?", ids).Error
}

// Stats returns index size and dimensionality.
func (x *PGIndex) Stats(ctx context.Context) (Stats, error) {
	var count int64
	if err := x.db.WithContext(ctx).Model(&PassageModel{}).
		Where("embedding IS NOT NULL").
		Count(&count).Error; err != nil {
		return Stats{}, err
	}
	return Stats{VectorCount: int(count), Dimensions: x.dimensions}, nil
}

func (x *PGIndex) validateDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if len(embedding) != x.dimensions {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), x.dimensions)
	}
	return nil
}
