package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// The models below only describe the schema for AutoMigrate. Queries go
// through pgx.

type journalModel struct {
	ID                   int64     `gorm:"primaryKey"`
	ISSN                 string    `gorm:"column:issn;not null;uniqueIndex"`
	AltISSN              *string   `gorm:"column:alt_issn;uniqueIndex"`
	Name                 string    `gorm:"not null;uniqueIndex"`
	URL                  *string   `gorm:"column:url;uniqueIndex"`
	TotalIssueCount      int       `gorm:"not null;default:0"`
	ScrapedIssueCount    int       `gorm:"not null;default:0"`
	LastKnownIssueDate   time.Time `gorm:"type:date;not null;default:'0001-01-01'"`
	LastScrapedIssueDate time.Time `gorm:"type:date;not null;default:'0001-01-01'"`
}

func (journalModel) TableName() string { return "journals" }

type issueModel struct {
	ID        int64        `gorm:"primaryKey"`
	SourceID  string       `gorm:"not null;uniqueIndex"`
	URL       string       `gorm:"column:url;not null;uniqueIndex"`
	JournalID int64        `gorm:"not null;index"`
	Journal   journalModel `gorm:"constraint:OnDelete:CASCADE"`
	Year      int          `gorm:"not null;default:0"`
	Volume    int          `gorm:"not null;default:0"`
	Number    int          `gorm:"not null;default:0"`
}

func (issueModel) TableName() string { return "issues" }

type accountModel struct {
	ID                int64  `gorm:"primaryKey"`
	WalletAddress     string `gorm:"not null;uniqueIndex"`
	DonationsReceived int64  `gorm:"not null;default:0"`
	DonationsPaid     int64  `gorm:"not null;default:0"`
}

func (accountModel) TableName() string { return "accounts" }

type articleModel struct {
	ID         int64         `gorm:"primaryKey"`
	SourceID   string        `gorm:"not null;uniqueIndex"`
	IssueID    int64         `gorm:"not null;index"`
	Issue      issueModel    `gorm:"constraint:OnDelete:CASCADE"`
	Title      string        `gorm:"type:text;not null"`
	Abstract   string        `gorm:"type:text;not null;default:''"`
	URL        string        `gorm:"column:url;type:text"`
	ArchiveURL *string       `gorm:"column:archive_url;type:text"`
	AccountID  *int64        `gorm:"index"`
	Account    *accountModel `gorm:"constraint:OnDelete:SET NULL"`
}

func (articleModel) TableName() string { return "articles" }

type authorModel struct {
	ID   int64  `gorm:"primaryKey"`
	Name string `gorm:"not null;uniqueIndex"`
}

func (authorModel) TableName() string { return "authors" }

type articleAuthorModel struct {
	ArticleID int64        `gorm:"primaryKey;autoIncrement:false"`
	Article   articleModel `gorm:"constraint:OnDelete:CASCADE"`
	AuthorID  int64        `gorm:"primaryKey;autoIncrement:false;index"`
	Author    authorModel  `gorm:"constraint:OnDelete:CASCADE"`
}

func (articleAuthorModel) TableName() string { return "article_authors" }

// Models lists every table in creation order.
func Models() []any {
	return []any{
		&journalModel{},
		&issueModel{},
		&accountModel{},
		&articleModel{},
		&authorModel{},
		&articleAuthorModel{},
	}
}

// Migrate creates or updates the schema through GORM over the pgx pool.
func Migrate(ctx context.Context, p *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(p)
	defer db.Close()

	gormDB, err := gorm.Open(
		postgres.New(postgres.Config{Conn: db}),
		&gorm.Config{Logger: gormlogger.Discard},
	)
	if err != nil {
		return fmt.Errorf("open gorm: %w", err)
	}
	if err := gormDB.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
