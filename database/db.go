package database

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(logger *zap.Logger) (*sql.DB, error) {
	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	password := getEnv("DB_PASSWORD", "postgres")
	dbname := getEnv("DB_NAME", "spiceshopdb")

	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	logger.Info("Database connection established")
	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		first_name VARCHAR(100) NOT NULL,
		last_name VARCHAR(100),
		email VARCHAR(255) UNIQUE NOT NULL,
		phone VARCHAR(20),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS spice_packs (
		id SERIAL PRIMARY KEY,
		spice_name VARCHAR(255) NOT NULL,
		quality_class VARCHAR(100) NOT NULL,
		pack_weight_grams INTEGER NOT NULL,
		price DECIMAL(10, 2) NOT NULL,
		stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS carts (
		id SERIAL PRIMARY KEY,
		user_id INTEGER UNIQUE NOT NULL,
		subtotal DECIMAL(10, 2) NOT NULL DEFAULT 0,
		shipping_cost DECIMAL(10, 2) NOT NULL DEFAULT 0,
		total DECIMAL(10, 2) NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS cart_items (
		id SERIAL PRIMARY KEY,
		cart_id INTEGER NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
		pack_id INTEGER NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 1),
		UNIQUE (cart_id, pack_id)
	);

	CREATE TABLE IF NOT EXISTS orders (
		id SERIAL PRIMARY KEY,
		order_number VARCHAR(32) UNIQUE NOT NULL,
		user_id INTEGER NOT NULL,
		subtotal DECIMAL(10, 2) NOT NULL,
		shipping_cost DECIMAL(10, 2) NOT NULL,
		total DECIMAL(10, 2) NOT NULL,
		order_status VARCHAR(32) NOT NULL,
		payment_status VARCHAR(32) NOT NULL,
		payment_method VARCHAR(32) NOT NULL,
		gateway_order_id VARCHAR(255),
		shipping_first_name VARCHAR(100) NOT NULL,
		shipping_last_name VARCHAR(100),
		shipping_address_line1 VARCHAR(255) NOT NULL,
		shipping_address_line2 VARCHAR(255),
		shipping_city VARCHAR(100) NOT NULL,
		shipping_state VARCHAR(100) NOT NULL,
		shipping_pin_code VARCHAR(20) NOT NULL,
		shipping_phone VARCHAR(20) NOT NULL,
		order_notes TEXT,
		needs_reconciliation BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		paid_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS order_items (
		id SERIAL PRIMARY KEY,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		pack_id INTEGER NOT NULL,
		spice_name VARCHAR(255) NOT NULL,
		quality_class VARCHAR(100) NOT NULL,
		pack_weight_grams INTEGER NOT NULL,
		unit_price DECIMAL(10, 2) NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 1)
	);

	CREATE TABLE IF NOT EXISTS payments (
		id SERIAL PRIMARY KEY,
		order_id INTEGER UNIQUE NOT NULL REFERENCES orders(id),
		method VARCHAR(32) NOT NULL,
		amount DECIMAL(10, 2) NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'pending',
		gateway_order_id VARCHAR(255),
		transaction_id VARCHAR(255),
		failure_reason TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		paid_at TIMESTAMP
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
