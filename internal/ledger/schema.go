package ledger

// Schema creates the holding account and transfer journal tables. It is
// valid for both SQLite and PostgreSQL. Amounts are decimal text so the
// full uint64 range survives either driver.
const Schema string = `
	CREATE TABLE IF NOT EXISTS accounts (
		id         TEXT NOT NULL PRIMARY KEY,
		balance    TEXT NOT NULL DEFAULT '0',
		created_at BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS transfers (
		id           TEXT NOT NULL PRIMARY KEY,
		from_account TEXT NOT NULL,
		to_account   TEXT NOT NULL,
		amount       TEXT NOT NULL,
		created_at   BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS transfers_from ON transfers (from_account);
	CREATE INDEX IF NOT EXISTS transfers_to ON transfers (to_account);
`

// Deposits have no source account; the journal records them from this name.
const mintAccount = "mint"
