package library

const schemaVersion = 4

// The two dialects share table and column names; only types and key generation differ.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		access_level INTEGER NOT NULL DEFAULT 0 CHECK (access_level >= 0)
	);`,
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		registered_at DATETIME NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		last_login DATETIME,
		department TEXT,
		staff_id TEXT,
		admin_level INTEGER,
		institution TEXT,
		field_of_study TEXT,
		academic_level TEXT,
		research_topics TEXT,
		address TEXT,
		phone TEXT,
		membership_type TEXT,
		membership_expiry DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS books (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		author TEXT NOT NULL,
		year_published INTEGER NOT NULL DEFAULT 0,
		isbn TEXT NOT NULL DEFAULT '',
		book_condition TEXT NOT NULL,
		status TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		available_quantity INTEGER NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		acquired_at DATETIME NOT NULL,
		genre TEXT,
		is_bestseller BOOLEAN,
		estimated_value REAL,
		rarity_level INTEGER,
		handling_notes TEXT,
		origin TEXT,
		language TEXT,
		translation_available BOOLEAN,
		digital_copy_available BOOLEAN,
		preservation_notes TEXT,
		CHECK (available_quantity >= 0 AND available_quantity <= quantity)
	);`,
	`CREATE TABLE IF NOT EXISTS book_sections (
		book_id INTEGER NOT NULL REFERENCES books(id),
		section_id INTEGER NOT NULL REFERENCES sections(id),
		PRIMARY KEY (book_id, section_id)
	);`,
	`CREATE TABLE IF NOT EXISTS lending_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		book_id INTEGER NOT NULL REFERENCES books(id),
		user_id INTEGER NOT NULL REFERENCES users(id),
		checkout_date DATETIME NOT NULL,
		due_date DATETIME NOT NULL,
		return_date DATETIME,
		status TEXT NOT NULL,
		renewal_count INTEGER NOT NULL DEFAULT 0,
		late_fee REAL NOT NULL DEFAULT 0,
		damage_fee REAL NOT NULL DEFAULT 0,
		replacement_fee REAL NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_lending_user_status ON lending_records(user_id, status);`,
	`CREATE INDEX IF NOT EXISTS idx_lending_book ON lending_records(book_id);`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sections (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		access_level INTEGER NOT NULL DEFAULT 0 CHECK (access_level >= 0)
	);`,
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		last_login TIMESTAMPTZ,
		department TEXT,
		staff_id TEXT,
		admin_level INTEGER,
		institution TEXT,
		field_of_study TEXT,
		academic_level TEXT,
		research_topics TEXT,
		address TEXT,
		phone TEXT,
		membership_type TEXT,
		membership_expiry TIMESTAMPTZ
	);`,
	`CREATE TABLE IF NOT EXISTS books (
		id BIGSERIAL PRIMARY KEY,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		author TEXT NOT NULL,
		year_published INTEGER NOT NULL DEFAULT 0,
		isbn TEXT NOT NULL DEFAULT '',
		book_condition TEXT NOT NULL,
		status TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		available_quantity INTEGER NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		acquired_at TIMESTAMPTZ NOT NULL,
		genre TEXT,
		is_bestseller BOOLEAN,
		estimated_value DOUBLE PRECISION,
		rarity_level INTEGER,
		handling_notes TEXT,
		origin TEXT,
		language TEXT,
		translation_available BOOLEAN,
		digital_copy_available BOOLEAN,
		preservation_notes TEXT,
		CHECK (available_quantity >= 0 AND available_quantity <= quantity)
	);`,
	`CREATE TABLE IF NOT EXISTS book_sections (
		book_id BIGINT NOT NULL REFERENCES books(id),
		section_id BIGINT NOT NULL REFERENCES sections(id),
		PRIMARY KEY (book_id, section_id)
	);`,
	`CREATE TABLE IF NOT EXISTS lending_records (
		id BIGSERIAL PRIMARY KEY,
		book_id BIGINT NOT NULL REFERENCES books(id),
		user_id BIGINT NOT NULL REFERENCES users(id),
		checkout_date TIMESTAMPTZ NOT NULL,
		due_date TIMESTAMPTZ NOT NULL,
		return_date TIMESTAMPTZ,
		status TEXT NOT NULL,
		renewal_count INTEGER NOT NULL DEFAULT 0,
		late_fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		damage_fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		replacement_fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_lending_user_status ON lending_records(user_id, status);`,
	`CREATE INDEX IF NOT EXISTS idx_lending_book ON lending_records(book_id);`,
}

// Upgrades bring a database created at an older version up to date, keyed by the
// version they produce. A fresh database gets the full schema instead.
var (
	sqliteUpgrades = map[int][]string{
		4: {
			`ALTER TABLE lending_records ADD COLUMN damage_fee REAL NOT NULL DEFAULT 0;`,
			`ALTER TABLE lending_records ADD COLUMN replacement_fee REAL NOT NULL DEFAULT 0;`,
		},
	}
	postgresUpgrades = map[int][]string{
		4: {
			`ALTER TABLE lending_records ADD COLUMN IF NOT EXISTS damage_fee DOUBLE PRECISION NOT NULL DEFAULT 0;`,
			`ALTER TABLE lending_records ADD COLUMN IF NOT EXISTS replacement_fee DOUBLE PRECISION NOT NULL DEFAULT 0;`,
		},
	}
)

// migrationSteps lists the statements that take a database from version current to
// schemaVersion.
func migrationSteps(schema []string, upgrades map[int][]string, current int) []string {
	if current == 0 {
		return schema
	}
	var stmts []string
	for v := current + 1; v <= schemaVersion; v++ {
		stmts = append(stmts, upgrades[v]...)
	}
	return stmts
}

// Columns in select order. They match the db tags of the row structs in database.go.
var (
	sectionColumns = []any{"id", "name", "description", "access_level"}

	userColumns = []any{
		"id", "name", "email", "password_hash", "role", "registered_at", "active", "last_login",
		"department", "staff_id", "admin_level",
		"institution", "field_of_study", "academic_level", "research_topics",
		"address", "phone", "membership_type", "membership_expiry",
	}

	bookColumns = []any{
		"id", "kind", "title", "author", "year_published", "isbn", "book_condition", "status",
		"quantity", "available_quantity", "location", "acquired_at",
		"genre", "is_bestseller",
		"estimated_value", "rarity_level", "handling_notes",
		"origin", "language", "translation_available", "digital_copy_available", "preservation_notes",
	}

	recordColumns = []any{
		"id", "book_id", "user_id", "checkout_date", "due_date", "return_date",
		"status", "renewal_count", "late_fee", "damage_fee", "replacement_fee", "notes",
	}
)
