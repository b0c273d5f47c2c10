package db

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/gorm"
)

// findProjectRoot looks for go.mod file to determine project root
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find project root (go.mod)")
		}
		dir = parent
	}
}

// constructDBURL creates the database URL from environment variables
func constructDBURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_HOST"),
		os.Getenv("DB_PORT"),
		os.Getenv("DB_NAME"),
	)
}

// ensureEnums creates the enum types the models depend on when missing.
func ensureEnums(db *gorm.DB) error {
	enums := map[string][]string{
		"marketplace":      {"mercadolivre", "shopee", "amazon"},
		"execution_status": {"PENDING", "RUNNING", "SUCCESS", "FAILED"},
		"product_status":   {"PENDING", "APPROVED", "REJECTED", "SENT"},
	}

	for name, values := range enums {
		var exists bool
		err := db.Raw(`
			SELECT EXISTS (
				SELECT 1 FROM pg_type
				WHERE typname = ?
			);
		`, name).Scan(&exists).Error
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		stmt := fmt.Sprintf("CREATE TYPE %s AS ENUM (", name)
		for i, v := range values {
			if i > 0 {
				stmt += ", "
			}
			stmt += fmt.Sprintf("'%s'", v)
		}
		stmt += ");"

		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}

	return nil
}
