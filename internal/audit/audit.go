// Package audit persists security events (logins, shell starts and exits,
// connection lifecycle) to SQLite. Terminal content is never recorded.
package audit

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gluk-w/webtty/internal/logutil"
	"github.com/robfig/cron/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Event types.
const (
	EventConnectionOpened   = "connection_opened"
	EventConnectionClosed   = "connection_closed"
	EventConnectionRejected = "connection_rejected"
	EventLoginSucceeded     = "login_succeeded"
	EventLoginFailed        = "login_failed"
	EventLogout             = "logout"
	EventSessionExpired     = "session_expired"
	EventShellStarted       = "shell_started"
	EventShellExited        = "shell_exited"
)

// DefaultRetentionDays is used when no retention is configured.
const DefaultRetentionDays = 30

// Record is one persisted audit row.
type Record struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	EventType    string    `gorm:"index;not null" json:"event_type"`
	ConnectionID string    `gorm:"index" json:"connection_id,omitempty"`
	Username     string    `json:"username,omitempty"`
	SourceIP     string    `json:"source_ip,omitempty"`
	Details      string    `json:"details,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

func (Record) TableName() string {
	return "audit_events"
}

// Event holds the fields callers supply; the auditor stamps the time.
type Event struct {
	Type         string
	ConnectionID string
	Username     string
	SourceIP     string
	Details      string
}

// Auditor writes and queries audit records. A nil *Auditor discards
// everything, so callers need no enabled check.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return db, nil
}

// NewAuditor migrates the audit table and returns an Auditor. If
// retentionDays is not positive, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate audit table: %w", err)
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}, nil
}

// Record stores e. Failures are logged, never returned: auditing must not
// break a terminal session.
func (a *Auditor) Record(e Event) {
	if a == nil {
		return
	}
	rec := Record{
		EventType:    e.Type,
		ConnectionID: e.ConnectionID,
		Username:     logutil.SanitizeForLog(e.Username),
		SourceIP:     e.SourceIP,
		Details:      logutil.SanitizeForLog(e.Details),
		CreatedAt:    a.nowFn(),
	}
	if err := a.db.Create(&rec).Error; err != nil {
		log.Printf("[audit] failed to write %s event: %v", e.Type, err)
		return
	}
	log.Printf("[audit] %s conn=%s user=%s ip=%s %s", rec.EventType, rec.ConnectionID, rec.Username, rec.SourceIP, rec.Details)
}

// QueryOptions filters Query results.
type QueryOptions struct {
	EventType    string
	ConnectionID string
	Username     string
	Since        *time.Time
	Limit        int
	Offset       int
}

// Query returns matching records newest first, with the total match count.
func (a *Auditor) Query(opts QueryOptions) ([]Record, int64, error) {
	if a == nil {
		return nil, 0, nil
	}
	tx := a.db.Model(&Record{})
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.ConnectionID != "" {
		tx = tx.Where("connection_id = ?", opts.ConnectionID)
	}
	if opts.Username != "" {
		tx = tx.Where("username = ?", opts.Username)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	var records []Record
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// PurgeOlderThan deletes records older than days (the retention period when
// days is not positive) and returns how many were removed.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if a == nil {
		return 0, nil
	}
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&Record{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d record(s) older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// Schedule registers a daily retention purge on c.
func (a *Auditor) Schedule(c *cron.Cron) error {
	if a == nil {
		return nil
	}
	_, err := c.AddFunc("@daily", func() {
		a.PurgeOlderThan(0)
	})
	return err
}

func (a *Auditor) RetentionDays() int {
	if a == nil {
		return 0
	}
	return a.retentionDays
}

// Close closes the underlying database.
func (a *Auditor) Close() error {
	if a == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
