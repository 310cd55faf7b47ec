package db

import (
	"database/sql"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
)

const (
	// SQLiteDriverName is the project-specific driver registration.
	// go-sqlcipher already registers "sqlite3"; a dedicated name avoids
	// colliding with other sqlite drivers linked into the same binary.
	SQLiteDriverName = "sqlite3_ouraring"
)

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{})
}
