package db

import (
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func InitDB(dsn string) {
	if dsn == "" {
		log.Fatal("DATABASE_URL not set")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	DB = gdb
	if err := Migrate(gdb); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&User{}, &Connection{}, &Server{}, &Key{}, &Payment{}, &Referral{}, &Coupon{})
}
