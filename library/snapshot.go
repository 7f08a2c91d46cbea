package library

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Snapshot is the export format: the whole library, one array per entity type.
type Snapshot struct {
	ExportedAt     time.Time        `json:"exported_at"`
	Books          []*Book          `json:"books"`
	Users          []SnapshotUser   `json:"users"`
	Sections       []*Section       `json:"sections"`
	LendingRecords []*LendingRecord `json:"lending_records"`
}

// SnapshotUser carries the password hash that User never serialises, so accounts keep
// working after an import.
type SnapshotUser struct {
	User
	PasswordHash string `json:"password_hash"`
}

// Export writes the library as indented JSON.
func (lm *LibraryManager) Export(ctx context.Context, w io.Writer) error {
	snap, err := lm.db.snapshot(ctx)
	if err != nil {
		return err
	}
	snap.ExportedAt = lm.now()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	lm.logger.Info(logMsgSnapshotWritten,
		logAttrCount, len(snap.Books)+len(snap.Users)+len(snap.Sections)+len(snap.LendingRecords))
	return nil
}

// Import replaces every table with the contents of r in one transaction. Only a
// librarian may import, except into a library that has no users yet. The undo log is
// cleared because its snapshots no longer match the stored rows.
func (lm *LibraryManager) Import(ctx context.Context, actor *User, r io.Reader) (*Snapshot, error) {
	if actor == nil {
		n, err := lm.db.CountUsers(ctx)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, fmt.Errorf("%w: log in as a librarian to import", ErrPermissionDenied)
		}
	} else if _, err := lm.requireLibrarian(ctx, actor, "import snapshots"); err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: decode snapshot: %v", ErrInvalidInput, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	if err := lm.db.replaceAll(ctx, &snap); err != nil {
		return nil, err
	}

	lm.history.clear()

	lm.logger.Info(logMsgSnapshotLoaded,
		logAttrCount, len(snap.Books)+len(snap.Users)+len(snap.Sections)+len(snap.LendingRecords))
	return &snap, nil
}

// Validate checks every entity and that all references resolve inside the snapshot.
func (s *Snapshot) Validate() error {
	sections := make(map[int64]bool, len(s.Sections))
	for _, sec := range s.Sections {
		if sec.ID <= 0 || sec.Name == "" || sec.AccessLevel < 0 {
			return fmt.Errorf("%w: invalid section %d", ErrInvalidInput, sec.ID)
		}
		sections[sec.ID] = true
	}

	books := make(map[int64]bool, len(s.Books))
	for _, b := range s.Books {
		if b.ID <= 0 {
			return fmt.Errorf("%w: book %q has no id", ErrInvalidInput, b.Title)
		}
		if _, err := ParseBookStatus(string(b.Status)); err != nil {
			return err
		}
		if err := b.Validate(); err != nil {
			return fmt.Errorf("book %d: %w", b.ID, err)
		}
		for _, id := range b.SectionIDs {
			if !sections[id] {
				return fmt.Errorf("%w: book %d references unknown section %d", ErrInvalidInput, b.ID, id)
			}
		}
		books[b.ID] = true
	}

	users := make(map[int64]bool, len(s.Users))
	for _, u := range s.Users {
		if u.ID <= 0 {
			return fmt.Errorf("%w: user %q has no id", ErrInvalidInput, u.Email)
		}
		if err := u.User.Validate(); err != nil {
			return fmt.Errorf("user %d: %w", u.ID, err)
		}
		users[u.ID] = true
	}

	for _, rec := range s.LendingRecords {
		if _, err := ParseLendingStatus(string(rec.Status)); err != nil {
			return err
		}
		if !books[rec.BookID] || !users[rec.UserID] {
			return fmt.Errorf("%w: lending record %d references unknown book or user", ErrInvalidInput, rec.ID)
		}
		if rec.LateFee < 0 || rec.DamageFee < 0 || rec.ReplacementFee < 0 {
			return fmt.Errorf("%w: lending record %d has a negative fee", ErrInvalidInput, rec.ID)
		}
		if rec.Status != LendingActive && rec.Status != LendingLost && rec.ReturnDate == nil {
			return fmt.Errorf("%w: closed lending record %d has no return date", ErrInvalidInput, rec.ID)
		}
	}
	return nil
}

func (d *Database) snapshot(ctx context.Context) (*Snapshot, error) {
	books, err := d.ListBooks(ctx)
	if err != nil {
		return nil, err
	}
	users, err := d.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	sections, err := d.ListSections(ctx)
	if err != nil {
		return nil, err
	}
	records, err := d.ListRecords(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Books: books, Sections: sections, LendingRecords: records}
	for _, u := range users {
		snap.Users = append(snap.Users, SnapshotUser{User: *u, PasswordHash: u.PasswordHash})
	}
	return snap, nil
}

// replaceAll deletes every row and inserts the snapshot with its original ids.
func (d *Database) replaceAll(ctx context.Context, snap *Snapshot) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{tableLendingRecords, tableBookSections, tableBooks, tableUsers, tableSections} {
			if _, err := d.execute(ctx, tx, d.dialect.Delete(table).Prepared(true)); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		for _, s := range snap.Sections {
			if _, err := d.insertSection(ctx, tx, s); err != nil {
				return err
			}
		}
		for i := range snap.Users {
			u := snap.Users[i].User
			u.PasswordHash = snap.Users[i].PasswordHash
			if _, err := d.insertUser(ctx, tx, &u); err != nil {
				return err
			}
		}
		for _, b := range snap.Books {
			if _, err := d.insertBook(ctx, tx, b); err != nil {
				return err
			}
		}
		for _, rec := range snap.LendingRecords {
			if _, err := d.insertRecord(ctx, tx, rec); err != nil {
				return err
			}
		}

		if d.driver == driverPostgres {
			for _, table := range []string{tableSections, tableUsers, tableBooks, tableLendingRecords} {
				stmt := fmt.Sprintf(`SELECT setval(pg_get_serial_sequence('%s', 'id'), COALESCE((SELECT MAX(id) FROM %s), 0) + 1, false)`, table, table)
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("reset %s sequence: %w", table, err)
				}
			}
		}
		return nil
	})
}
