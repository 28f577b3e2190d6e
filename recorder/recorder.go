// Package recorder persists transport messages to a SQLite log for
// diagnostics and replay.
package recorder

import (
	"database/sql"
	"log"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/LoveWonYoung/cantt/tp"
)

// Message directions.
const (
	DirectionInbound  = "rx"
	DirectionOutbound = "tx"
)

// Message is one logged transport message. Topic is filled when the
// payload decodes as a publish record.
type Message struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Direction string    `gorm:"index;size:2" json:"direction"`
	Address   uint32    `gorm:"index" json:"address"`
	Topic     string    `gorm:"index;size:255" json:"topic"`
	Length    int       `json:"length"`
	Payload   []byte    `json:"payload"`
}

// TableName specifies the table name for GORM.
func (Message) TableName() string {
	return "messages"
}

// Config holds recorder configuration.
type Config struct {
	Path string // Path to SQLite database file
}

// Recorder wraps the GORM database instance.
type Recorder struct {
	db *gorm.DB
}

// New opens the message log with the pure Go SQLite driver, applies the
// pragma settings and migrates the schema.
func New(config Config, lg *log.Logger) (*Recorder, error) {
	var gormLog logger.Interface
	if lg != nil {
		gormLog = logger.New(
			lg,
			logger.Config{
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		)
	} else {
		gormLog = logger.Default.LogMode(logger.Silent)
	}

	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        config.Path,
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLog,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := configureSQLite(sqlDB); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Message{}); err != nil {
		return nil, err
	}

	return &Recorder{db: db}, nil
}

func configureSQLite(sqlDB *sql.DB) error {
	pragmaSettings := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmaSettings {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}

// LogInbound records a completed inbound message.
func (r *Recorder) LogInbound(addr uint32, payload []byte) error {
	return r.record(DirectionInbound, addr, payload)
}

// LogOutbound records a message handed to the transport for sending.
func (r *Recorder) LogOutbound(addr uint32, payload []byte) error {
	return r.record(DirectionOutbound, addr, payload)
}

func (r *Recorder) record(direction string, addr uint32, payload []byte) error {
	m := Message{
		Direction: direction,
		Address:   addr,
		Length:    len(payload),
		Payload:   append([]byte{}, payload...),
	}
	if p, err := tp.DecodePublish(payload); err == nil {
		m.Topic = string(p.Topic)
	}
	return r.db.Create(&m).Error
}

// Sink wraps an engine message handler so every delivery is recorded
// before next runs. Record failures are dropped; delivery always proceeds.
func (r *Recorder) Sink(next tp.MessageHandler) tp.MessageHandler {
	return func(addr uint32, payload []byte) {
		_ = r.LogInbound(addr, payload)
		if next != nil {
			next(addr, payload)
		}
	}
}

// Recent returns the n newest messages, newest first.
func (r *Recorder) Recent(n int) ([]Message, error) {
	var out []Message
	err := r.db.Order("id desc").Limit(n).Find(&out).Error
	return out, err
}

// ByTopic returns the n newest messages on an exact topic, newest first.
func (r *Recorder) ByTopic(topic string, n int) ([]Message, error) {
	var out []Message
	err := r.db.Where("topic = ?", topic).Order("id desc").Limit(n).Find(&out).Error
	return out, err
}

// Health checks the underlying database connection.
func (r *Recorder) Health() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close closes the database connection.
func (r *Recorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
