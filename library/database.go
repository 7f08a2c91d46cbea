package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"

	tableMeta           = "meta"
	tableSections       = "sections"
	tableUsers          = "users"
	tableBooks          = "books"
	tableBookSections   = "book_sections"
	tableLendingRecords = "lending_records"

	metaSchemaVersion = "schema_version"
)

var (
	pqUniqueViolation     = pq.ErrorCode("23505")
	pqForeignKeyViolation = pq.ErrorCode("23503")
	pqCheckViolation      = pq.ErrorCode("23514")
)

// Database provides persistence helpers around a SQLite or PostgreSQL connection.
// Exported methods run on their own; the unexported ones take a queryer so the
// manager can compose them inside one transaction.
type Database struct {
	db      *sqlx.DB
	driver  string
	dialect goqu.DialectWrapper
	logger  Logger
}

// NewDatabase opens (or creates) the database at url and applies schema migrations.
// postgres:// and postgresql:// URLs select PostgreSQL; anything else is a SQLite path,
// optionally prefixed with sqlite://.
func NewDatabase(url string, opts ...Option) (*Database, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	driver, dsn, err := resolveDSN(url)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	d := &Database{db: db, driver: driver, dialect: goqu.Dialect(driver), logger: o.logger}
	if err := d.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func resolveDSN(url string) (driver, dsn string, err error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return driverPostgres, url, nil
	}

	path := strings.TrimPrefix(url, "sqlite://")
	if strings.TrimSpace(path) == "" {
		return "", "", fmt.Errorf("%w: empty database path", ErrInvalidInput)
	}
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", fmt.Errorf("create db dir: %w", err)
		}
	}
	// Immediate transactions take the write lock up front, so concurrent writers wait on
	// busy_timeout instead of failing on lock upgrade.
	return driverSQLite, fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", path), nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Driver is "sqlite3" or "postgres".
func (d *Database) Driver() string { return d.driver }

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

func (d *Database) migrate(ctx context.Context) error {
	schema, upgrades := postgresSchema, postgresUpgrades
	if d.driver == driverSQLite {
		// WAL improves write concurrency.
		if _, err := d.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
		schema, upgrades = sqliteSchema, sqliteUpgrades
	}

	if _, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	current, err := d.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	err = d.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range migrationSteps(schema, upgrades, current) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration: %w", err)
			}
		}
		if _, err := d.execute(ctx, tx, d.dialect.Delete(tableMeta).Prepared(true).
			Where(goqu.C("key").Eq(metaSchemaVersion))); err != nil {
			return err
		}
		_, err := d.execute(ctx, tx, d.dialect.Insert(tableMeta).Prepared(true).
			Rows(goqu.Record{"key": metaSchemaVersion, "value": strconv.Itoa(schemaVersion)}))
		return err
	})
	if err != nil {
		return err
	}
	d.logger.Info(logMsgMigrated, logAttrDriver, d.driver, logAttrVersion, schemaVersion)
	return nil
}

func (d *Database) schemaVersion(ctx context.Context) (int, error) {
	var value string
	err := d.getInto(ctx, d.db, &value, d.dialect.From(tableMeta).Prepared(true).
		Select("value").Where(goqu.C("key").Eq(metaSchemaVersion)))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return strconv.Atoi(value)
}

// ---------------------------------------------------------------------------
// Query plumbing
// ---------------------------------------------------------------------------

type sqlBuilder interface {
	ToSQL() (string, []any, error)
}

// inTx runs fn in one transaction and commits when fn returns nil.
func (d *Database) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", mapDBError(err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapDBError(err))
	}
	return nil
}

func (d *Database) selectInto(ctx context.Context, q sqlx.QueryerContext, dest any, ds sqlBuilder) error {
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	start := time.Now()
	err = mapDBError(sqlx.SelectContext(ctx, q, dest, query, args...))
	d.logSQL(query, start, err)
	return err
}

// getInto returns sql.ErrNoRows unwrapped when nothing matched.
func (d *Database) getInto(ctx context.Context, q sqlx.QueryerContext, dest any, ds sqlBuilder) error {
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	start := time.Now()
	err = mapDBError(sqlx.GetContext(ctx, q, dest, query, args...))
	d.logSQL(query, start, err)
	return err
}

func (d *Database) execute(ctx context.Context, q sqlx.ExecerContext, ds sqlBuilder) (sql.Result, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build statement: %w", err)
	}
	start := time.Now()
	res, err := q.ExecContext(ctx, query, args...)
	err = mapDBError(err)
	d.logSQL(query, start, err)
	return res, err
}

// insertReturningID inserts rec and returns the generated id.
func (d *Database) insertReturningID(ctx context.Context, q sqlx.ExtContext, table string, rec goqu.Record) (int64, error) {
	ds := d.dialect.Insert(table).Prepared(true).Rows(rec)
	if d.driver == driverPostgres {
		var id int64
		if err := d.getInto(ctx, q, &id, ds.Returning("id")); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := d.execute(ctx, q, ds)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *Database) logSQL(query string, start time.Time, err error) {
	ms := time.Since(start).Milliseconds()
	switch {
	case err == nil || errors.Is(err, sql.ErrNoRows):
		d.logger.Debug(logMsgSQLExecuted, logAttrQuery, query, logAttrDurationMS, ms)
	case errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound):
		d.logger.Warn(logMsgSQLFailed, logAttrQuery, query, logAttrError, err.Error())
	default:
		d.logger.Error(logMsgSQLFailed, logAttrQuery, query, logAttrDurationMS, ms, logAttrError, err.Error())
	}
}

// mapDBError turns constraint violations from either driver into the package's
// sentinel errors, keeping the driver message.
func mapDBError(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintCheck:
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation, pqCheckViolation:
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		case pqForeignKeyViolation:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %v", ErrNotFound, what, id)
	}
	return err
}

// ---------------------------------------------------------------------------
// Row mapping
// ---------------------------------------------------------------------------

type bookRow struct {
	ID                   int64           `db:"id"`
	Kind                 string          `db:"kind"`
	Title                string          `db:"title"`
	Author               string          `db:"author"`
	Year                 int             `db:"year_published"`
	ISBN                 string          `db:"isbn"`
	Condition            string          `db:"book_condition"`
	Status               string          `db:"status"`
	Quantity             int             `db:"quantity"`
	AvailableQuantity    int             `db:"available_quantity"`
	Location             string          `db:"location"`
	AcquiredAt           time.Time       `db:"acquired_at"`
	Genre                sql.NullString  `db:"genre"`
	Bestseller           sql.NullBool    `db:"is_bestseller"`
	EstimatedValue       sql.NullFloat64 `db:"estimated_value"`
	RarityLevel          sql.NullInt64   `db:"rarity_level"`
	HandlingNotes        sql.NullString  `db:"handling_notes"`
	Origin               sql.NullString  `db:"origin"`
	Language             sql.NullString  `db:"language"`
	TranslationAvailable sql.NullBool    `db:"translation_available"`
	DigitalCopyAvailable sql.NullBool    `db:"digital_copy_available"`
	PreservationNotes    sql.NullString  `db:"preservation_notes"`
}

func (r bookRow) toBook() (*Book, error) {
	kind, err := ParseBookKind(r.Kind)
	if err != nil {
		return nil, err
	}
	condition, err := ParseCondition(r.Condition)
	if err != nil {
		return nil, err
	}
	status, err := ParseBookStatus(r.Status)
	if err != nil {
		return nil, err
	}

	b := &Book{
		ID:                r.ID,
		Kind:              kind,
		Title:             r.Title,
		Author:            r.Author,
		Year:              r.Year,
		ISBN:              r.ISBN,
		Condition:         condition,
		Status:            status,
		Quantity:          r.Quantity,
		AvailableQuantity: r.AvailableQuantity,
		Location:          r.Location,
		AcquiredAt:        r.AcquiredAt,
	}
	switch kind {
	case KindGeneral:
		b.General = &GeneralDetails{Genre: r.Genre.String, Bestseller: r.Bestseller.Bool}
	case KindRare:
		b.Rare = &RareDetails{
			EstimatedValue: r.EstimatedValue.Float64,
			RarityLevel:    int(r.RarityLevel.Int64),
			HandlingNotes:  r.HandlingNotes.String,
		}
	case KindAncient:
		b.Ancient = &AncientDetails{
			Origin:               r.Origin.String,
			Language:             r.Language.String,
			TranslationAvailable: r.TranslationAvailable.Bool,
			DigitalCopyAvailable: r.DigitalCopyAvailable.Bool,
			PreservationNotes:    r.PreservationNotes.String,
		}
	}
	return b, nil
}

// bookRecord maps every column except id. Payload columns of other kinds are NULL.
func bookRecord(b *Book) goqu.Record {
	rec := goqu.Record{
		"kind":                   string(b.Kind),
		"title":                  b.Title,
		"author":                 b.Author,
		"year_published":         b.Year,
		"isbn":                   b.ISBN,
		"book_condition":         b.Condition.String(),
		"status":                 string(b.Status),
		"quantity":               b.Quantity,
		"available_quantity":     b.AvailableQuantity,
		"location":               b.Location,
		"acquired_at":            b.AcquiredAt,
		"genre":                  nil,
		"is_bestseller":          nil,
		"estimated_value":        nil,
		"rarity_level":           nil,
		"handling_notes":         nil,
		"origin":                 nil,
		"language":               nil,
		"translation_available":  nil,
		"digital_copy_available": nil,
		"preservation_notes":     nil,
	}
	if g := b.General; g != nil {
		rec["genre"] = g.Genre
		rec["is_bestseller"] = g.Bestseller
	}
	if r := b.Rare; r != nil {
		rec["estimated_value"] = r.EstimatedValue
		rec["rarity_level"] = r.RarityLevel
		rec["handling_notes"] = r.HandlingNotes
	}
	if a := b.Ancient; a != nil {
		rec["origin"] = a.Origin
		rec["language"] = a.Language
		rec["translation_available"] = a.TranslationAvailable
		rec["digital_copy_available"] = a.DigitalCopyAvailable
		rec["preservation_notes"] = a.PreservationNotes
	}
	return rec
}

type userRow struct {
	ID               int64          `db:"id"`
	Name             string         `db:"name"`
	Email            string         `db:"email"`
	PasswordHash     string         `db:"password_hash"`
	Role             string         `db:"role"`
	RegisteredAt     time.Time      `db:"registered_at"`
	Active           bool           `db:"active"`
	LastLogin        sql.NullTime   `db:"last_login"`
	Department       sql.NullString `db:"department"`
	StaffID          sql.NullString `db:"staff_id"`
	AdminLevel       sql.NullInt64  `db:"admin_level"`
	Institution      sql.NullString `db:"institution"`
	FieldOfStudy     sql.NullString `db:"field_of_study"`
	AcademicLevel    sql.NullString `db:"academic_level"`
	ResearchTopics   sql.NullString `db:"research_topics"`
	Address          sql.NullString `db:"address"`
	Phone            sql.NullString `db:"phone"`
	MembershipType   sql.NullString `db:"membership_type"`
	MembershipExpiry sql.NullTime   `db:"membership_expiry"`
}

func (r userRow) toUser() (*User, error) {
	role, err := ParseRole(r.Role)
	if err != nil {
		return nil, err
	}
	u := &User{
		ID:           r.ID,
		Name:         r.Name,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Role:         role,
		RegisteredAt: r.RegisteredAt,
		Active:       r.Active,
		LastLogin:    nullTimePtr(r.LastLogin),
	}
	switch role {
	case RoleLibrarian:
		u.Librarian = &LibrarianDetails{
			Department: r.Department.String,
			StaffID:    r.StaffID.String,
			AdminLevel: int(r.AdminLevel.Int64),
		}
	case RoleScholar:
		u.Scholar = &ScholarDetails{
			Institution:   r.Institution.String,
			Field:         r.FieldOfStudy.String,
			AcademicLevel: r.AcademicLevel.String,
		}
		if r.ResearchTopics.Valid && r.ResearchTopics.String != "" {
			if err := json.UnmarshalFromString(r.ResearchTopics.String, &u.Scholar.ResearchTopics); err != nil {
				return nil, fmt.Errorf("decode research topics of user %d: %w", r.ID, err)
			}
		}
	case RoleGuest:
		u.Guest = &GuestDetails{
			Address:          r.Address.String,
			Phone:            r.Phone.String,
			MembershipType:   r.MembershipType.String,
			MembershipExpiry: nullTimePtr(r.MembershipExpiry),
		}
	}
	return u, nil
}

func userRecord(u *User) (goqu.Record, error) {
	rec := goqu.Record{
		"name":              u.Name,
		"email":             u.Email,
		"password_hash":     u.PasswordHash,
		"role":              string(u.Role),
		"registered_at":     u.RegisteredAt,
		"active":            u.Active,
		"last_login":        timePtrValue(u.LastLogin),
		"department":        nil,
		"staff_id":          nil,
		"admin_level":       nil,
		"institution":       nil,
		"field_of_study":    nil,
		"academic_level":    nil,
		"research_topics":   nil,
		"address":           nil,
		"phone":             nil,
		"membership_type":   nil,
		"membership_expiry": nil,
	}
	if l := u.Librarian; l != nil {
		rec["department"] = l.Department
		rec["staff_id"] = l.StaffID
		rec["admin_level"] = l.AdminLevel
	}
	if s := u.Scholar; s != nil {
		topics, err := json.MarshalToString(s.ResearchTopics)
		if err != nil {
			return nil, fmt.Errorf("encode research topics: %w", err)
		}
		rec["institution"] = s.Institution
		rec["field_of_study"] = s.Field
		rec["academic_level"] = s.AcademicLevel
		rec["research_topics"] = topics
	}
	if g := u.Guest; g != nil {
		rec["address"] = g.Address
		rec["phone"] = g.Phone
		rec["membership_type"] = g.MembershipType
		rec["membership_expiry"] = timePtrValue(g.MembershipExpiry)
	}
	return rec, nil
}

type recordRow struct {
	ID             int64        `db:"id"`
	BookID         int64        `db:"book_id"`
	UserID         int64        `db:"user_id"`
	CheckoutDate   time.Time    `db:"checkout_date"`
	DueDate        time.Time    `db:"due_date"`
	ReturnDate     sql.NullTime `db:"return_date"`
	Status         string       `db:"status"`
	RenewalCount   int          `db:"renewal_count"`
	LateFee        float64      `db:"late_fee"`
	DamageFee      float64      `db:"damage_fee"`
	ReplacementFee float64      `db:"replacement_fee"`
	Notes          string       `db:"notes"`
}

func (r recordRow) toRecord() (*LendingRecord, error) {
	status, err := ParseLendingStatus(r.Status)
	if err != nil {
		return nil, err
	}
	return &LendingRecord{
		ID:             r.ID,
		BookID:         r.BookID,
		UserID:         r.UserID,
		CheckoutDate:   r.CheckoutDate,
		DueDate:        r.DueDate,
		ReturnDate:     nullTimePtr(r.ReturnDate),
		Status:         status,
		RenewalCount:   r.RenewalCount,
		LateFee:        r.LateFee,
		DamageFee:      r.DamageFee,
		ReplacementFee: r.ReplacementFee,
		Notes:          r.Notes,
	}, nil
}

func lendingRecord(rec *LendingRecord) goqu.Record {
	return goqu.Record{
		"book_id":         rec.BookID,
		"user_id":         rec.UserID,
		"checkout_date":   rec.CheckoutDate,
		"due_date":        rec.DueDate,
		"return_date":     timePtrValue(rec.ReturnDate),
		"status":          string(rec.Status),
		"renewal_count":   rec.RenewalCount,
		"late_fee":        rec.LateFee,
		"damage_fee":      rec.DamageFee,
		"replacement_fee": rec.ReplacementFee,
		"notes":           rec.Notes,
	}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// timePtrValue keeps a nil pointer as SQL NULL.
func timePtrValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func mapRows[R any, T any](rows []R, conv func(R) (T, error)) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		v, err := conv(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Sections
// ---------------------------------------------------------------------------

func (d *Database) insertSection(ctx context.Context, q sqlx.ExtContext, s *Section) (int64, error) {
	rec := goqu.Record{"name": s.Name, "description": s.Description, "access_level": s.AccessLevel}
	if s.ID != 0 {
		rec["id"] = s.ID
	}
	return d.insertReturningID(ctx, q, tableSections, rec)
}

func (d *Database) GetSection(ctx context.Context, id int64) (*Section, error) {
	var s Section
	err := d.getInto(ctx, d.db, &s, d.dialect.From(tableSections).Prepared(true).
		Select(sectionColumns...).Where(goqu.C("id").Eq(id)))
	if err != nil {
		return nil, notFound(err, "section", id)
	}
	return &s, nil
}

func (d *Database) ListSections(ctx context.Context) ([]*Section, error) {
	return d.listSections(ctx, d.db)
}

func (d *Database) listSections(ctx context.Context, q sqlx.QueryerContext) ([]*Section, error) {
	var sections []*Section
	err := d.selectInto(ctx, q, &sections, d.dialect.From(tableSections).Prepared(true).
		Select(sectionColumns...).Order(goqu.C("id").Asc()))
	return sections, err
}

// sectionsForBook returns the sections a book is shelved in.
func (d *Database) sectionsForBook(ctx context.Context, q sqlx.QueryerContext, bookID int64) ([]*Section, error) {
	var sections []*Section
	err := d.selectInto(ctx, q, &sections, d.dialect.
		From(goqu.T(tableSections).As("s")).Prepared(true).
		Join(goqu.T(tableBookSections).As("bs"), goqu.On(goqu.I("bs.section_id").Eq(goqu.I("s.id")))).
		Select("s.id", "s.name", "s.description", "s.access_level").
		Where(goqu.I("bs.book_id").Eq(bookID)).
		Order(goqu.I("s.id").Asc()))
	return sections, err
}

func (d *Database) assignSection(ctx context.Context, q sqlx.ExecerContext, bookID, sectionID int64) error {
	_, err := d.execute(ctx, q, d.dialect.Insert(tableBookSections).Prepared(true).
		Rows(goqu.Record{"book_id": bookID, "section_id": sectionID}))
	return err
}

type bookSectionRow struct {
	BookID    int64 `db:"book_id"`
	SectionID int64 `db:"section_id"`
}

// bookSectionIDs maps book id to its section ids.
func (d *Database) bookSectionIDs(ctx context.Context, q sqlx.QueryerContext, bookIDs ...int64) (map[int64][]int64, error) {
	ds := d.dialect.From(tableBookSections).Prepared(true).
		Select("book_id", "section_id").
		Order(goqu.C("book_id").Asc(), goqu.C("section_id").Asc())
	if len(bookIDs) > 0 {
		ds = ds.Where(goqu.C("book_id").In(bookIDs))
	}

	var rows []bookSectionRow
	if err := d.selectInto(ctx, q, &rows, ds); err != nil {
		return nil, err
	}
	out := make(map[int64][]int64)
	for _, r := range rows {
		out[r.BookID] = append(out[r.BookID], r.SectionID)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (d *Database) insertUser(ctx context.Context, q sqlx.ExtContext, u *User) (int64, error) {
	rec, err := userRecord(u)
	if err != nil {
		return 0, err
	}
	if u.ID != 0 {
		rec["id"] = u.ID
	}
	return d.insertReturningID(ctx, q, tableUsers, rec)
}

func (d *Database) GetUser(ctx context.Context, id int64) (*User, error) {
	return d.getUser(ctx, d.db, goqu.C("id").Eq(id), id)
}

func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return d.getUser(ctx, d.db, goqu.C("email").Eq(email), email)
}

func (d *Database) getUser(ctx context.Context, q sqlx.QueryerContext, where goqu.Expression, key any) (*User, error) {
	var row userRow
	err := d.getInto(ctx, q, &row, d.dialect.From(tableUsers).Prepared(true).
		Select(userColumns...).Where(where))
	if err != nil {
		return nil, notFound(err, "user", key)
	}
	return row.toUser()
}

// lockUser loads a user for the rest of the transaction. PostgreSQL takes a row lock so
// concurrent checkouts by the same borrower count their loans one after the other;
// SQLite transactions already hold the database write lock.
func (d *Database) lockUser(ctx context.Context, q sqlx.QueryerContext, id int64) (*User, error) {
	if d.driver != driverPostgres {
		return d.getUser(ctx, q, goqu.C("id").Eq(id), id)
	}
	var row userRow
	err := d.getInto(ctx, q, &row, d.dialect.From(tableUsers).Prepared(true).
		Select(userColumns...).Where(goqu.C("id").Eq(id)).ForUpdate(exp.Wait))
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return row.toUser()
}

func (d *Database) ListUsers(ctx context.Context) ([]*User, error) {
	var rows []userRow
	err := d.selectInto(ctx, d.db, &rows, d.dialect.From(tableUsers).Prepared(true).
		Select(userColumns...).Order(goqu.C("id").Asc()))
	if err != nil {
		return nil, err
	}
	return mapRows(rows, userRow.toUser)
}

func (d *Database) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := d.getInto(ctx, d.db, &n, d.dialect.From(tableUsers).Prepared(true).Select(goqu.COUNT("*")))
	return n, err
}

// updateUser writes the mutable account columns.
func (d *Database) updateUser(ctx context.Context, q sqlx.ExecerContext, id int64, set goqu.Record) error {
	res, err := d.execute(ctx, q, d.dialect.Update(tableUsers).Prepared(true).
		Set(set).Where(goqu.C("id").Eq(id)))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: user %d", ErrNotFound, id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Books
// ---------------------------------------------------------------------------

// insertBook stores b together with its section assignments.
func (d *Database) insertBook(ctx context.Context, q sqlx.ExtContext, b *Book) (int64, error) {
	rec := bookRecord(b)
	if b.ID != 0 {
		rec["id"] = b.ID
	}
	id, err := d.insertReturningID(ctx, q, tableBooks, rec)
	if err != nil {
		return 0, err
	}
	for _, sectionID := range b.SectionIDs {
		if err := d.assignSection(ctx, q, id, sectionID); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (d *Database) GetBook(ctx context.Context, id int64) (*Book, error) {
	return d.getBook(ctx, d.db, id)
}

func (d *Database) getBook(ctx context.Context, q sqlx.QueryerContext, id int64) (*Book, error) {
	var row bookRow
	err := d.getInto(ctx, q, &row, d.dialect.From(tableBooks).Prepared(true).
		Select(bookColumns...).Where(goqu.C("id").Eq(id)))
	if err != nil {
		return nil, notFound(err, "book", id)
	}
	b, err := row.toBook()
	if err != nil {
		return nil, err
	}
	sections, err := d.bookSectionIDs(ctx, q, id)
	if err != nil {
		return nil, err
	}
	b.SectionIDs = sections[id]
	return b, nil
}

// ListBooks returns the whole catalogue ordered by id.
func (d *Database) ListBooks(ctx context.Context) ([]*Book, error) {
	return d.listBooks(ctx, d.db, nil)
}

// SearchBooks matches the query case-insensitively against title, author and ISBN.
func (d *Database) SearchBooks(ctx context.Context, query string) ([]*Book, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []*Book{}, nil
	}
	pattern := "%" + strings.ToLower(query) + "%"
	return d.listBooks(ctx, d.db, goqu.Or(
		goqu.Func("LOWER", goqu.C("title")).Like(pattern),
		goqu.Func("LOWER", goqu.C("author")).Like(pattern),
		goqu.Func("LOWER", goqu.C("isbn")).Like(pattern),
	))
}

func (d *Database) listBooks(ctx context.Context, q sqlx.QueryerContext, where goqu.Expression) ([]*Book, error) {
	ds := d.dialect.From(tableBooks).Prepared(true).Select(bookColumns...).Order(goqu.C("id").Asc())
	if where != nil {
		ds = ds.Where(where)
	}
	var rows []bookRow
	if err := d.selectInto(ctx, q, &rows, ds); err != nil {
		return nil, err
	}
	books, err := mapRows(rows, bookRow.toBook)
	if err != nil {
		return nil, err
	}
	sections, err := d.bookSectionIDs(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, b := range books {
		b.SectionIDs = sections[b.ID]
	}
	return books, nil
}

// casUpdateBook writes the lending state of after, provided the stored row still holds
// the state of before. A lost race returns ErrConflict and writes nothing.
func (d *Database) casUpdateBook(ctx context.Context, q sqlx.ExecerContext, before, after *Book) error {
	res, err := d.execute(ctx, q, d.dialect.Update(tableBooks).Prepared(true).
		Set(goqu.Record{
			"book_condition":     after.Condition.String(),
			"status":             string(after.Status),
			"quantity":           after.Quantity,
			"available_quantity": after.AvailableQuantity,
		}).
		Where(goqu.Ex{
			"id":                 after.ID,
			"book_condition":     before.Condition.String(),
			"status":             string(before.Status),
			"quantity":           before.Quantity,
			"available_quantity": before.AvailableQuantity,
		}))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		d.logger.Warn(logMsgConflict, logAttrBookID, after.ID, logAttrRowsAffected, n)
		return fmt.Errorf("%w: book %d changed concurrently", ErrConflict, after.ID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lending records
// ---------------------------------------------------------------------------

func (d *Database) insertRecord(ctx context.Context, q sqlx.ExtContext, rec *LendingRecord) (int64, error) {
	row := lendingRecord(rec)
	if rec.ID != 0 {
		row["id"] = rec.ID
	}
	return d.insertReturningID(ctx, q, tableLendingRecords, row)
}

func (d *Database) GetRecord(ctx context.Context, id int64) (*LendingRecord, error) {
	return d.getRecord(ctx, d.db, id)
}

func (d *Database) getRecord(ctx context.Context, q sqlx.QueryerContext, id int64) (*LendingRecord, error) {
	var row recordRow
	err := d.getInto(ctx, q, &row, d.dialect.From(tableLendingRecords).Prepared(true).
		Select(recordColumns...).Where(goqu.C("id").Eq(id)))
	if err != nil {
		return nil, notFound(err, "lending record", id)
	}
	return row.toRecord()
}

// activeRecordFor returns the newest ACTIVE loan of bookID held by userID.
func (d *Database) activeRecordFor(ctx context.Context, q sqlx.QueryerContext, bookID, userID int64) (*LendingRecord, error) {
	var row recordRow
	err := d.getInto(ctx, q, &row, d.dialect.From(tableLendingRecords).Prepared(true).
		Select(recordColumns...).
		Where(goqu.Ex{"book_id": bookID, "user_id": userID, "status": string(LendingActive)}).
		Order(goqu.C("id").Desc()).
		Limit(1))
	if err != nil {
		return nil, notFound(err, "active loan of book", fmt.Sprintf("%d by user %d", bookID, userID))
	}
	return row.toRecord()
}

func (d *Database) countActiveLoans(ctx context.Context, q sqlx.QueryerContext, userID int64) (int, error) {
	var n int
	err := d.getInto(ctx, q, &n, d.dialect.From(tableLendingRecords).Prepared(true).
		Select(goqu.COUNT("*")).
		Where(goqu.Ex{"user_id": userID, "status": string(LendingActive)}))
	return n, err
}

// UserRecords returns every loan of userID, newest first.
func (d *Database) UserRecords(ctx context.Context, userID int64) ([]*LendingRecord, error) {
	return d.listRecords(ctx, d.db, goqu.Ex{"user_id": userID}, goqu.C("id").Desc())
}

// ActiveRecords returns every ACTIVE loan ordered by due date.
func (d *Database) ActiveRecords(ctx context.Context) ([]*LendingRecord, error) {
	return d.listRecords(ctx, d.db, goqu.Ex{"status": string(LendingActive)}, goqu.C("due_date").Asc())
}

// ListRecords returns all loans ordered by id.
func (d *Database) ListRecords(ctx context.Context) ([]*LendingRecord, error) {
	return d.listRecords(ctx, d.db, nil, goqu.C("id").Asc())
}

func (d *Database) listRecords(ctx context.Context, q sqlx.QueryerContext, where goqu.Expression, order ...exp.OrderedExpression) ([]*LendingRecord, error) {
	ds := d.dialect.From(tableLendingRecords).Prepared(true).Select(recordColumns...).Order(order...)
	if where != nil {
		ds = ds.Where(where)
	}
	var rows []recordRow
	if err := d.selectInto(ctx, q, &rows, ds); err != nil {
		return nil, err
	}
	return mapRows(rows, recordRow.toRecord)
}

// casUpdateRecord writes rec if the stored record is still in status expected.
func (d *Database) casUpdateRecord(ctx context.Context, q sqlx.ExecerContext, expected LendingStatus, rec *LendingRecord) error {
	set := lendingRecord(rec)
	delete(set, "book_id")
	delete(set, "user_id")
	delete(set, "checkout_date")

	res, err := d.execute(ctx, q, d.dialect.Update(tableLendingRecords).Prepared(true).
		Set(set).
		Where(goqu.Ex{"id": rec.ID, "status": string(expected)}))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		d.logger.Warn(logMsgConflict, logAttrRecordID, rec.ID, logAttrRowsAffected, n)
		return fmt.Errorf("%w: lending record %d changed concurrently", ErrConflict, rec.ID)
	}
	return nil
}

type loanCountRow struct {
	BookID int64 `db:"book_id"`
	Loans  int   `db:"loans"`
}

// LoanCounts returns the number of loans ever made per book id.
func (d *Database) LoanCounts(ctx context.Context) (map[int64]int, error) {
	var rows []loanCountRow
	err := d.selectInto(ctx, d.db, &rows, d.dialect.From(tableLendingRecords).Prepared(true).
		Select(goqu.C("book_id"), goqu.COUNT("*").As("loans")).
		GroupBy(goqu.C("book_id")))
	if err != nil {
		return nil, err
	}
	counts := make(map[int64]int, len(rows))
	for _, r := range rows {
		counts[r.BookID] = r.Loans
	}
	return counts, nil
}
