package identity

type migration struct {
	version int
	sql     string
}

// migrations must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS identity_switch (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id        TEXT    NOT NULL,
	iid            INTEGER NOT NULL,
	label          TEXT    NOT NULL DEFAULT '',
	flags          INTEGER NOT NULL DEFAULT 0,
	imap_user      TEXT    NOT NULL DEFAULT '',
	imap_pwd       TEXT    NOT NULL DEFAULT '',
	imap_host      TEXT    NOT NULL DEFAULT '',
	imap_port      INTEGER NOT NULL DEFAULT 0,
	imap_delim     TEXT    NOT NULL DEFAULT '',
	smtp_host      TEXT    NOT NULL DEFAULT '',
	smtp_port      INTEGER NOT NULL DEFAULT 0,
	notify_timeout INTEGER NOT NULL DEFAULT 0,
	newmail_check  INTEGER NOT NULL DEFAULT 0,
	folders        TEXT,
	UNIQUE (user_id, iid)
);

CREATE INDEX IF NOT EXISTS idx_identity_switch_user ON identity_switch(user_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
