package db

import (
	"keeper/app/db/models"
)

func Migrate(conn *Conn) error {
	return conn.Transaction(func(tx *Tx) error {
		for _, modObj := range models.Models {
			if err := tx.DB().AutoMigrate(modObj); err != nil {
				return err
			}
		}
		return nil
	})
}
