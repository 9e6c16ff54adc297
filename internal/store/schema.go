package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS settings (
    name                 TEXT PRIMARY KEY,
    value                TEXT NOT NULL,
    updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lifetime_totals (
    provider             TEXT PRIMARY KEY,
    sessions             INTEGER NOT NULL DEFAULT 0,
    input_tokens         INTEGER NOT NULL DEFAULT 0,
    output_tokens        INTEGER NOT NULL DEFAULT 0,
    input_chars          INTEGER NOT NULL DEFAULT 0,
    output_chars         INTEGER NOT NULL DEFAULT 0,
    cost_usd             REAL NOT NULL DEFAULT 0,
    first_seen           TEXT NOT NULL,
    updated_at           TEXT NOT NULL
);
`
