package config

import "fmt"

// DriverName returns the database/sql driver name registered for Driver.
func (c *DatabaseConfig) DriverName() string {
	switch c.Driver {
	case "sqlite", "sqlite3":
		return "sqlite3"
	case "postgres":
		return "pgx"
	default:
		return c.Driver
	}
}

// Dialect returns the normalized SQL dialect used for query building.
func (c *DatabaseConfig) Dialect() string {
	if c.Driver == "sqlite3" {
		return "sqlite"
	}
	return c.Driver
}

// DSN builds the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	port := c.Port
	switch c.Dialect() {
	case "postgres":
		if port == 0 {
			port = 5432
		}
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s", c.Host, port, c.Database)
		if c.Username != "" {
			dsn += fmt.Sprintf(" user=%s", c.Username)
		}
		if c.Password != "" {
			dsn += fmt.Sprintf(" password=%s", c.Password)
		}
		if c.SSLMode != "" {
			dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
		}
		return dsn
	case "mysql":
		if port == 0 {
			port = 3306
		}
		// parseTime is required to scan DATETIME columns into time.Time.
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
			c.Username, c.Password, c.Host, port, c.Database)
	default:
		return c.Path
	}
}
