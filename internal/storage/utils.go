package storage

import "github.com/pkg/errors"

// InitStore opens a Postgres-backed store for the given connection string.
func InitStore(dbConnStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, errors.Wrap(err, "init store")
	}
	return store, nil
}
