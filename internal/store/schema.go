package store

// CreateTables is valid for both SQLite and PostgreSQL. Amounts are kept
// as decimal text so values above the signed 64-bit range are preserved.
const CreateTables string = `
	CREATE TABLE IF NOT EXISTS pools (
		id                   TEXT NOT NULL PRIMARY KEY,
		match_id             TEXT NOT NULL UNIQUE,
		player_a             TEXT NOT NULL,
		player_b             TEXT NOT NULL,
		admin                TEXT NOT NULL,
		token_mint           TEXT NOT NULL,
		vault                TEXT NOT NULL,
		prize_vault          TEXT NOT NULL,
		total_for_a          TEXT NOT NULL DEFAULT '0',
		total_for_b          TEXT NOT NULL DEFAULT '0',
		status               SMALLINT NOT NULL DEFAULT 0,
		result               SMALLINT NOT NULL DEFAULT 0,
		winner_pool          TEXT NOT NULL DEFAULT '0',
		distributable        TEXT NOT NULL DEFAULT '0',
		fee_amount           TEXT NOT NULL DEFAULT '0',
		player_prize_amount  TEXT NOT NULL DEFAULT '0',
		player_prize_claimed BOOLEAN NOT NULL DEFAULT FALSE,
		lock_time            BIGINT NOT NULL DEFAULT 0,
		created_at           BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS bets (
		pool_id    TEXT NOT NULL,
		bettor     TEXT NOT NULL,
		side       SMALLINT NOT NULL,
		amount     TEXT NOT NULL,
		claimed    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (pool_id, bettor)
	);
`

const CreateIndexes string = `
	CREATE INDEX IF NOT EXISTS bets_bettor ON bets (bettor);
`

const poolColumns = `id, match_id, player_a, player_b, admin, token_mint, vault, prize_vault,
	total_for_a, total_for_b, status, result, winner_pool, distributable, fee_amount,
	player_prize_amount, player_prize_claimed, lock_time`
