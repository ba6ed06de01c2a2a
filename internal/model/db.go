package model

import "gorm.io/gorm"

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Board{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&BoardUpdate{}); err != nil {
		return err
	}

	return nil
}
