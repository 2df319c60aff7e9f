package db

import "github.com/jmoiron/sqlx"

// Pool splits the broker's database access into a write side and a read side.
// Every store takes both halves at construction.
//
// On SQLite the writer is a single connection (WAL keeps the readers moving
// while it commits); on Postgres both halves are the same *sqlx.DB and pgx
// does the pooling.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the handle for mutations and transactions. On SQLite it holds
// exactly one connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the handle for SELECTs. On SQLite its connections read WAL
// snapshots and never wait on the writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close shuts down both halves.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Both halves are one *sqlx.DB on Postgres; don't close it twice.
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
