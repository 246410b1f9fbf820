package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"custodian-mesh/pkg/model"
)

// Options locate the MySQL server. DSN, when set, wins over the discrete
// fields.
type Options struct {
	DSN      string
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.Port == "" {
		o.Port = "3306"
	}
	if o.User == "" {
		o.User = "root"
	}
	if o.Database == "" {
		o.Database = "custodian"
	}
	return o
}

func (o Options) dsn() string {
	if o.DSN != "" {
		return o.DSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC", o.User, o.Password, o.Host, o.Port, o.Database)
}

// Open connects to MySQL, creating the database when it is missing, and
// migrates the admin user table. Registry tables are migrated by the store.
func Open(o Options) (*gorm.DB, error) {
	o = o.withDefaults()
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	db, err := gorm.Open(mysql.Open(o.dsn()), cfg)
	if err != nil {
		if o.DSN != "" || !strings.Contains(err.Error(), "Unknown database") {
			return nil, err
		}
		if cerr := createDatabase(o); cerr != nil {
			return nil, fmt.Errorf("create database failed: %w", cerr)
		}
		if db, err = gorm.Open(mysql.Open(o.dsn()), cfg); err != nil {
			return nil, err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	if err := db.AutoMigrate(&model.User{}); err != nil {
		return nil, err
	}
	return db, nil
}

func createDatabase(o Options) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/", o.User, o.Password, o.Host, o.Port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", o.Database))
	return err
}
