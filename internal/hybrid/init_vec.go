//go:build sqlite_vec && cgo

package hybrid

import (
	"database/sql"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	sqlite3 "github.com/mattn/go-sqlite3"
)

const sqlDriverName = "sqlite3_vec"

func init() {
	// vec.Auto registers sqlite-vec as an auto-loading extension for the
	// cgo driver. The cosine scalar is registered per connection so the
	// same SQL works on both drivers.
	vec.Auto()
	sql.Register(sqlDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("vec_distance_cosine", cosineDistance, true)
		},
	})
}
