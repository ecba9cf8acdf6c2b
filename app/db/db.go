package db

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Connection  string
	Debug       bool
	PoolSize    int
	IdleTimeout int
}

// Conn is the root database handle. It is the only type that can open a
// transaction; the *Tx it hands out cannot, so nested transactions are
// unrepresentable.
type Conn struct {
	db *gorm.DB
}

func (c *Conn) DB() *gorm.DB {
	return c.db
}

// Transaction runs fc inside one transaction, committing on nil return and
// rolling back when fc returns an error.
func (c *Conn) Transaction(fc func(tx *Tx) error) error {
	return c.db.Transaction(func(gtx *gorm.DB) error {
		return fc(&Tx{db: gtx})
	})
}

func (c *Conn) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Tx is an open transaction handle.
type Tx struct {
	db *gorm.DB
}

func (t *Tx) DB() *gorm.DB {
	return t.db
}

// TxToken marks *Tx as a transaction handle.
func (t *Tx) TxToken() {}

func Init(cfg *Config) (*Conn, error) {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 5
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 3600
	}

	uri, err := url.Parse(cfg.Connection)
	if err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	switch uri.Scheme {
	case "sqlite":
		dialector = sqlite.Open(uri.Path + uri.Opaque)
	case "mysql":
		connStr := fmt.Sprintf("%s@tcp(%s)%s?%s", uri.User.String(), uri.Host, uri.Path, uri.RawQuery)
		dialector = mysql.Open(connStr)
	}

	if dialector == nil {
		return nil, errors.New(fmt.Sprintf("dialector '%s' is not supported", cfg.Connection))
	}

	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	dbConn, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		dbConn = dbConn.Debug()
	}

	sqlDB, err := dbConn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.PoolSize)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.IdleTimeout) * time.Second)

	return &Conn{db: dbConn}, nil
}
