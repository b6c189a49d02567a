package pg

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// Queries is the hand-written query layer over the relational store.
// All methods are safe for concurrent use; they share the *sql.DB pool.
type Queries struct {
	db *sql.DB
}

func New(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// IsUniqueViolation reports whether err is a Postgres unique-key violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
