package db

import "github.com/jmoiron/sqlx"

// Pool pairs the write connection with the read connection the store runs
// queries against.
//
// SQLite in WAL mode tolerates many readers but only one writer, so the
// writer side is capped at a single connection (see OpenSQLite) and every
// statement that mutates state goes through it. Reads fan out over the
// reader side and see WAL snapshots.
//
// PostgreSQL needs no such split; Provide hands the same *sqlx.DB in for
// both sides and pgx pools underneath.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps writer and reader connections. Passing the same *sqlx.DB
// for both is valid and common for PostgreSQL and in tests.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection all mutating statements and transactions
// must use.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName reports which sql driver backs the pool. The store keys its
// dialect-specific SQL (RETURNING support, schema DDL) off this.
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close shuts down both sides. When reader and writer share one *sqlx.DB
// it is closed exactly once.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader == p.writer {
		return wErr
	}
	rErr := p.reader.Close()
	if wErr != nil {
		return wErr
	}
	return rErr
}
