package library

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/moby/locker"
	"golang.org/x/crypto/bcrypt"
)

// LibraryManager is the façade the CLI talks to. Each mutating call reloads the acting
// user and the rows it touches, lets the LendingEngine decide, and persists the result
// in one transaction while holding the book's lock. Events go out after the lock is
// released.
type LibraryManager struct {
	db         *Database
	engine     *LendingEngine
	now        func() time.Time
	logger     Logger
	bcryptCost int

	// locks serialises operations per book, and checkouts per borrower, inside this
	// process. The CAS updates in Database cover writers in other processes.
	locks    *locker.Locker
	notifier notifier
	history  history
}

// NewLibraryManager opens the database at url. See NewDatabase for accepted URLs.
func NewLibraryManager(url string, opts ...Option) (*LibraryManager, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	db, err := NewDatabase(url, opts...)
	if err != nil {
		return nil, err
	}
	return &LibraryManager{
		db:         db,
		engine:     NewLendingEngine(o.policy),
		now:        o.clock,
		logger:     o.logger,
		bcryptCost: o.bcryptCost,
		locks:      locker.New(),
	}, nil
}

// Close closes the underlying database.
func (lm *LibraryManager) Close() error { return lm.db.Close() }

func (lm *LibraryManager) Engine() *LendingEngine { return lm.engine }

// Now is the manager's clock.
func (lm *LibraryManager) Now() time.Time { return lm.now() }

// Subscribe registers fn for every event published from now on.
func (lm *LibraryManager) Subscribe(fn Subscriber) { lm.notifier.subscribe(fn) }

func (lm *LibraryManager) lock(key string) (unlock func()) {
	lm.locks.Lock(key)
	return func() { _ = lm.locks.Unlock(key) }
}

func (lm *LibraryManager) lockBook(bookID int64) (unlock func()) {
	return lm.lock("book:" + strconv.FormatInt(bookID, 10))
}

func (lm *LibraryManager) lockBorrower(userID int64) (unlock func()) {
	return lm.lock("user:" + strconv.FormatInt(userID, 10))
}

// currentActor reloads actor so that a role change or deactivation made since the
// caller authenticated takes effect immediately.
func (lm *LibraryManager) currentActor(ctx context.Context, actor *User) (*User, error) {
	if actor == nil {
		return nil, fmt.Errorf("%w: not logged in", ErrPermissionDenied)
	}
	u, err := lm.db.GetUser(ctx, actor.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: account %d no longer exists", ErrPermissionDenied, actor.ID)
	}
	if err != nil {
		return nil, err
	}
	if !u.Active {
		return nil, fmt.Errorf("%w: account %s is deactivated", ErrPermissionDenied, u.Email)
	}
	return u, nil
}

func (lm *LibraryManager) requireLibrarian(ctx context.Context, actor *User, action string) (*User, error) {
	u, err := lm.currentActor(ctx, actor)
	if errors.Is(err, ErrPermissionDenied) || (err == nil && !lm.engine.Access().CanManageBooks(u)) {
		return nil, fmt.Errorf("%w: only librarians can %s", ErrPermissionDenied, action)
	}
	return u, err
}

// requireSelfOrLibrarian allows a user to act on their own loans and librarians to act
// on anyone's.
func (lm *LibraryManager) requireSelfOrLibrarian(ctx context.Context, actor *User, userID int64) (*User, error) {
	u, err := lm.currentActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	if u.ID == userID || lm.engine.Access().CanManageBooks(u) {
		return u, nil
	}
	return nil, fmt.Errorf("%w: user %d cannot act for user %d", ErrPermissionDenied, u.ID, userID)
}

// logFailure records why an operation did not commit. Refusals are returned to the
// caller, who reports them, so they only show at debug level.
func (lm *LibraryManager) logFailure(op OperationKind, err error, args ...any) {
	args = append(args, logAttrOperation, string(op), logAttrError, err.Error())
	if isDomainError(err) {
		lm.logger.Debug(logMsgRefused, args...)
		return
	}
	lm.logger.Error(logMsgFailed, args...)
}

func isDomainError(err error) bool {
	for _, target := range []error{
		ErrPermissionDenied, ErrUnavailable, ErrInvalidState, ErrRenewalLimitExceeded,
		ErrNotFound, ErrConflict, ErrInvalidCredentials, ErrInvalidInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ------------------ Users ------------------

// RegisterUser stores u with a bcrypt hash of password and sets u.ID. The first account
// of an empty library is registered without an actor and must be a librarian; after
// that only librarians add users.
func (lm *LibraryManager) RegisterUser(ctx context.Context, actor, u *User, password string) (int64, error) {
	if actor == nil {
		n, err := lm.db.CountUsers(ctx)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return 0, fmt.Errorf("%w: log in as a librarian to register users", ErrPermissionDenied)
		}
		if u.Role != RoleLibrarian {
			return 0, fmt.Errorf("%w: the first account must be a librarian", ErrPermissionDenied)
		}
	} else if current, err := lm.currentActor(ctx, actor); err != nil || !lm.engine.Access().CanManageUsers(current) {
		return 0, fmt.Errorf("%w: only librarians can register users", ErrPermissionDenied)
	}

	if strings.TrimSpace(password) == "" {
		return 0, fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if err := u.Validate(); err != nil {
		return 0, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), lm.bcryptCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	if u.RegisteredAt.IsZero() {
		u.RegisteredAt = lm.now()
	}

	id, err := lm.db.insertUser(ctx, lm.db.db, u)
	if err != nil {
		return 0, err
	}
	u.ID = id
	return id, nil
}

// Authenticate checks email and password and records the login time.
func (lm *LibraryManager) Authenticate(ctx context.Context, email, password string) (*User, error) {
	u, err := lm.db.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !u.Active {
		return nil, fmt.Errorf("%w: account %s is deactivated", ErrPermissionDenied, u.Email)
	}

	now := lm.now()
	if err := lm.db.updateUser(ctx, lm.db.db, u.ID, goqu.Record{"last_login": now}); err != nil {
		return nil, err
	}
	u.LastLogin = &now
	return u, nil
}

// ResetPassword lets users change their own password and librarians change anyone's.
func (lm *LibraryManager) ResetPassword(ctx context.Context, actor *User, userID int64, password string) error {
	if _, err := lm.requireSelfOrLibrarian(ctx, actor, userID); err != nil {
		return err
	}
	if strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), lm.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return lm.db.updateUser(ctx, lm.db.db, userID, goqu.Record{"password_hash": string(hash)})
}

// SetUserActive deactivates or reactivates an account. Users are never deleted because
// lending records reference them.
func (lm *LibraryManager) SetUserActive(ctx context.Context, actor *User, userID int64, active bool) error {
	actor, err := lm.currentActor(ctx, actor)
	if err != nil || !lm.engine.Access().CanManageUsers(actor) {
		return fmt.Errorf("%w: only librarians can change accounts", ErrPermissionDenied)
	}
	if actor.ID == userID && !active {
		return fmt.Errorf("%w: librarians cannot deactivate themselves", ErrInvalidInput)
	}
	return lm.db.updateUser(ctx, lm.db.db, userID, goqu.Record{"active": active})
}

func (lm *LibraryManager) GetUser(ctx context.Context, id int64) (*User, error) {
	return lm.db.GetUser(ctx, id)
}

func (lm *LibraryManager) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return lm.db.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

func (lm *LibraryManager) ListUsers(ctx context.Context) ([]*User, error) {
	return lm.db.ListUsers(ctx)
}

// ------------------ Sections ------------------

func (lm *LibraryManager) AddSection(ctx context.Context, actor *User, s *Section) (int64, error) {
	if _, err := lm.requireLibrarian(ctx, actor, "add sections"); err != nil {
		return 0, err
	}
	if strings.TrimSpace(s.Name) == "" {
		return 0, fmt.Errorf("%w: section name is required", ErrInvalidInput)
	}
	if s.AccessLevel < 0 {
		return 0, fmt.Errorf("%w: access level cannot be negative", ErrInvalidInput)
	}
	id, err := lm.db.insertSection(ctx, lm.db.db, s)
	if err != nil {
		return 0, err
	}
	s.ID = id
	return id, nil
}

func (lm *LibraryManager) ListSections(ctx context.Context) ([]*Section, error) {
	return lm.db.ListSections(ctx)
}

// AssignBookToSection shelves a book in one more section.
func (lm *LibraryManager) AssignBookToSection(ctx context.Context, actor *User, bookID, sectionID int64) error {
	if _, err := lm.requireLibrarian(ctx, actor, "assign sections"); err != nil {
		return err
	}
	unlock := lm.lockBook(bookID)
	defer unlock()
	return lm.db.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := lm.db.getBook(ctx, tx, bookID); err != nil {
			return err
		}
		return lm.db.assignSection(ctx, tx, bookID, sectionID)
	})
}

// ------------------ Books ------------------

// AddBook validates b, fills in defaults and stores it with its section assignments.
func (lm *LibraryManager) AddBook(ctx context.Context, actor *User, b *Book) (int64, error) {
	actor, err := lm.requireLibrarian(ctx, actor, "add books")
	if err != nil {
		return 0, err
	}
	now := lm.now()
	if b.AcquiredAt.IsZero() {
		b.AcquiredAt = now
	}
	if b.Status == "" {
		b.Status = shelfStatus(b)
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}

	var id int64
	err = lm.db.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		id, err = lm.db.insertBook(ctx, tx, b)
		return err
	})
	if err != nil {
		return 0, err
	}
	b.ID = id

	lm.notifier.publish(newEvent(EventBookAdded, now, id, actor.ID, 0).with("title", b.Title))
	return id, nil
}

func (lm *LibraryManager) GetBook(ctx context.Context, id int64) (*Book, error) {
	return lm.db.GetBook(ctx, id)
}

func (lm *LibraryManager) ListBooks(ctx context.Context) ([]*Book, error) {
	return lm.db.ListBooks(ctx)
}

func (lm *LibraryManager) SearchBooks(ctx context.Context, q string) ([]*Book, error) {
	return lm.db.SearchBooks(ctx, q)
}

// SectionsForBook returns the sections a book is shelved in.
func (lm *LibraryManager) SectionsForBook(ctx context.Context, bookID int64) ([]*Section, error) {
	return lm.db.sectionsForBook(ctx, lm.db.db, bookID)
}

// mutateBook runs fn on a freshly loaded copy of the book and persists the result with
// a compare-and-swap on the state it was loaded in.
func (lm *LibraryManager) mutateBook(ctx context.Context, actor *User, kind OperationKind, bookID int64, fn func(*Book) error) (*Book, error) {
	unlock := lm.lockBook(bookID)
	defer unlock()

	var before, after *Book
	err := lm.db.inTx(ctx, func(tx *sqlx.Tx) error {
		book, err := lm.db.getBook(ctx, tx, bookID)
		if err != nil {
			return err
		}
		before = book.clone()
		if err := fn(book); err != nil {
			return err
		}
		after = book
		return lm.db.casUpdateBook(ctx, tx, before, after)
	})
	if err != nil {
		lm.logFailure(kind, err, logAttrBookID, bookID)
		return nil, err
	}

	lm.history.push(Operation{
		ID:         uuid.New(),
		Kind:       kind,
		ActorID:    actor.ID,
		At:         lm.now(),
		BookID:     bookID,
		BookBefore: before,
		BookAfter:  after.clone(),
	})
	lm.logger.Info(logMsgCommitted, logAttrOperation, string(kind), logAttrBookID, bookID)
	return after, nil
}

// SetQuantity changes the number of registered copies of a book.
func (lm *LibraryManager) SetQuantity(ctx context.Context, actor *User, bookID int64, quantity int) (*Book, error) {
	actor, err := lm.requireLibrarian(ctx, actor, "change stock")
	if err != nil {
		return nil, err
	}
	return lm.mutateBook(ctx, actor, OpSetQuantity, bookID, func(b *Book) error {
		return lm.engine.SetQuantity(b, actor, quantity)
	})
}

// Restore sends a book to restoration.
func (lm *LibraryManager) Restore(ctx context.Context, actor *User, bookID int64) (*Book, error) {
	actor, err := lm.requireLibrarian(ctx, actor, "send books to restoration")
	if err != nil {
		return nil, err
	}
	b, err := lm.mutateBook(ctx, actor, OpRestore, bookID, func(b *Book) error {
		return lm.engine.Restore(b, actor)
	})
	if err != nil {
		return nil, err
	}
	lm.notifier.publish(newEvent(EventBookRestored, lm.now(), bookID, actor.ID, 0))
	return b, nil
}

// CompleteRestoration returns a book from restoration in the given condition.
func (lm *LibraryManager) CompleteRestoration(ctx context.Context, actor *User, bookID int64, condition Condition) (*Book, error) {
	actor, err := lm.requireLibrarian(ctx, actor, "complete restorations")
	if err != nil {
		return nil, err
	}
	b, err := lm.mutateBook(ctx, actor, OpCompleteRestoration, bookID, func(b *Book) error {
		return lm.engine.CompleteRestoration(b, actor, condition)
	})
	if err != nil {
		return nil, err
	}
	lm.notifier.publish(newEvent(EventRestorationCompleted, lm.now(), bookID, actor.ID, 0).
		with("condition", condition.String()))
	return b, nil
}

// ------------------ Circulation ------------------

// Checkout lends one copy of bookID to userID. Users borrow for themselves; librarians
// may check out on behalf of anyone.
func (lm *LibraryManager) Checkout(ctx context.Context, actor *User, bookID, userID int64) (*LendingRecord, error) {
	actor, err := lm.requireSelfOrLibrarian(ctx, actor, userID)
	if err != nil {
		return nil, err
	}
	now := lm.now()

	// The borrower lock keeps the active-loan count stable across checkouts of
	// different books. It is always taken before the book lock.
	unlockBorrower := lm.lockBorrower(userID)
	unlockBook := lm.lockBook(bookID)
	unlock := func() {
		unlockBook()
		unlockBorrower()
	}
	var (
		rec           *LendingRecord
		before, after *Book
	)
	err = lm.db.inTx(ctx, func(tx *sqlx.Tx) error {
		borrower, err := lm.db.lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		book, err := lm.db.getBook(ctx, tx, bookID)
		if err != nil {
			return err
		}
		sections, err := lm.db.sectionsForBook(ctx, tx, bookID)
		if err != nil {
			return err
		}
		active, err := lm.db.countActiveLoans(ctx, tx, userID)
		if err != nil {
			return err
		}

		before = book.clone()
		rec, err = lm.engine.Checkout(book, borrower, sections, active, now)
		if err != nil {
			return err
		}
		if err := lm.db.casUpdateBook(ctx, tx, before, book); err != nil {
			return err
		}
		if rec.ID, err = lm.db.insertRecord(ctx, tx, rec); err != nil {
			return err
		}
		after = book
		return nil
	})
	if err != nil {
		unlock()
		lm.logFailure(OpCheckout, err, logAttrBookID, bookID, logAttrUserID, userID)
		return nil, err
	}
	lm.history.push(Operation{
		ID:          uuid.New(),
		Kind:        OpCheckout,
		ActorID:     actor.ID,
		At:          now,
		BookID:      bookID,
		BookBefore:  before,
		BookAfter:   after.clone(),
		RecordAfter: rec.clone(),
	})
	unlock()

	lm.logger.Info(logMsgCommitted, logAttrOperation, string(OpCheckout),
		logAttrBookID, bookID, logAttrUserID, userID, logAttrRecordID, rec.ID)
	lm.notifier.publish(newEvent(EventBookBorrowed, now, bookID, userID, rec.ID).
		with("due_date", rec.DueDate.Format(time.DateOnly)))
	return rec, nil
}

// Return closes a loan. conditionChanged degrades the book one step.
func (lm *LibraryManager) Return(ctx context.Context, actor *User, recordID int64, conditionChanged bool) (*LendingRecord, ReturnOutcome, error) {
	current, err := lm.db.GetRecord(ctx, recordID)
	if err != nil {
		return nil, ReturnOutcome{}, err
	}
	if actor, err = lm.requireSelfOrLibrarian(ctx, actor, current.UserID); err != nil {
		return nil, ReturnOutcome{}, err
	}
	now := lm.now()

	unlock := lm.lockBook(current.BookID)
	var (
		rec, recordBefore *LendingRecord
		before, after     *Book
		out               ReturnOutcome
	)
	err = lm.db.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if rec, err = lm.db.getRecord(ctx, tx, recordID); err != nil {
			return err
		}
		book, err := lm.db.getBook(ctx, tx, rec.BookID)
		if err != nil {
			return err
		}
		before, recordBefore = book.clone(), rec.clone()
		if out, err = lm.engine.Return(rec, book, conditionChanged, now); err != nil {
			return err
		}
		if err := lm.db.casUpdateBook(ctx, tx, before, book); err != nil {
			return err
		}
		if err := lm.db.casUpdateRecord(ctx, tx, recordBefore.Status, rec); err != nil {
			return err
		}
		after = book
		return nil
	})
	if err != nil {
		unlock()
		lm.logFailure(OpReturn, err, logAttrRecordID, recordID)
		return nil, ReturnOutcome{}, err
	}
	lm.history.push(Operation{
		ID:           uuid.New(),
		Kind:         OpReturn,
		ActorID:      actor.ID,
		At:           now,
		BookID:       after.ID,
		BookBefore:   before,
		BookAfter:    after.clone(),
		RecordBefore: recordBefore,
		RecordAfter:  rec.clone(),
	})
	unlock()

	lm.logger.Info(logMsgCommitted, logAttrOperation, string(OpReturn),
		logAttrBookID, rec.BookID, logAttrUserID, rec.UserID, logAttrRecordID, rec.ID)

	returned := newEvent(EventBookReturned, now, rec.BookID, rec.UserID, rec.ID).with("condition", out.Condition.String())
	if out.DamageFee > 0 {
		returned = returned.with("damage_fee", FormatFee(out.DamageFee))
	}
	if out.ReplacementFee > 0 {
		returned = returned.with("replacement_fee", FormatFee(out.ReplacementFee))
	}
	events := []Event{returned}
	if out.LateFee > 0 {
		events = append(events, newEvent(EventBookReturnedLate, now, rec.BookID, rec.UserID, rec.ID).
			with("days_overdue", strconv.Itoa(out.DaysOverdue)).
			with("late_fee", FormatFee(out.LateFee)))
	}
	sentToRestoration := after.Status == StatusRestoration && before.Status != StatusRestoration
	if out.NeedsRestoration && (!lm.engine.NeedsRestoration(before) || sentToRestoration) {
		events = append(events, newEvent(EventBookNeedsRestoration, now, rec.BookID, rec.UserID, rec.ID).
			with("condition", out.Condition.String()))
	}
	lm.notifier.publish(events...)
	return rec, out, nil
}

// ReturnBook returns the newest active loan of bookID held by userID.
func (lm *LibraryManager) ReturnBook(ctx context.Context, actor *User, bookID, userID int64, conditionChanged bool) (*LendingRecord, ReturnOutcome, error) {
	rec, err := lm.db.activeRecordFor(ctx, lm.db.db, bookID, userID)
	if err != nil {
		return nil, ReturnOutcome{}, err
	}
	return lm.Return(ctx, actor, rec.ID, conditionChanged)
}

// Renew extends a loan by one loan period.
func (lm *LibraryManager) Renew(ctx context.Context, actor *User, recordID int64) (*LendingRecord, error) {
	current, err := lm.db.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if actor, err = lm.requireSelfOrLibrarian(ctx, actor, current.UserID); err != nil {
		return nil, err
	}
	now := lm.now()

	unlock := lm.lockBook(current.BookID)
	var rec, recordBefore *LendingRecord
	err = lm.db.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if rec, err = lm.db.getRecord(ctx, tx, recordID); err != nil {
			return err
		}
		book, err := lm.db.getBook(ctx, tx, rec.BookID)
		if err != nil {
			return err
		}
		borrower, err := lm.db.getUser(ctx, tx, goqu.C("id").Eq(rec.UserID), rec.UserID)
		if err != nil {
			return err
		}
		recordBefore = rec.clone()
		if err := lm.engine.Renew(rec, book, borrower, now); err != nil {
			return err
		}
		return lm.db.casUpdateRecord(ctx, tx, recordBefore.Status, rec)
	})
	if err != nil {
		unlock()
		lm.logFailure(OpRenew, err, logAttrRecordID, recordID)
		return nil, err
	}
	lm.history.push(Operation{
		ID:           uuid.New(),
		Kind:         OpRenew,
		ActorID:      actor.ID,
		At:           now,
		BookID:       rec.BookID,
		RecordBefore: recordBefore,
		RecordAfter:  rec.clone(),
	})
	unlock()

	lm.logger.Info(logMsgCommitted, logAttrOperation, string(OpRenew), logAttrRecordID, rec.ID)
	lm.notifier.publish(newEvent(EventBookRenewed, now, rec.BookID, rec.UserID, rec.ID).
		with("due_date", rec.DueDate.Format(time.DateOnly)).
		with("renewal_count", strconv.Itoa(rec.RenewalCount)))
	return rec, nil
}

// ReportLost closes a loan as LOST, writes the copy off and charges the borrower for
// its replacement.
func (lm *LibraryManager) ReportLost(ctx context.Context, actor *User, recordID int64) (*LendingRecord, LossOutcome, error) {
	actor, err := lm.requireLibrarian(ctx, actor, "report losses")
	if err != nil {
		return nil, LossOutcome{}, err
	}
	current, err := lm.db.GetRecord(ctx, recordID)
	if err != nil {
		return nil, LossOutcome{}, err
	}
	now := lm.now()

	unlock := lm.lockBook(current.BookID)
	var (
		rec, recordBefore *LendingRecord
		before, after     *Book
		out               LossOutcome
	)
	err = lm.db.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if rec, err = lm.db.getRecord(ctx, tx, recordID); err != nil {
			return err
		}
		book, err := lm.db.getBook(ctx, tx, rec.BookID)
		if err != nil {
			return err
		}
		before, recordBefore = book.clone(), rec.clone()
		if out, err = lm.engine.ReportLost(rec, book, now); err != nil {
			return err
		}
		if err := lm.db.casUpdateBook(ctx, tx, before, book); err != nil {
			return err
		}
		if err := lm.db.casUpdateRecord(ctx, tx, recordBefore.Status, rec); err != nil {
			return err
		}
		after = book
		return nil
	})
	if err != nil {
		unlock()
		lm.logFailure(OpReportLost, err, logAttrRecordID, recordID)
		return nil, LossOutcome{}, err
	}
	lm.history.push(Operation{
		ID:           uuid.New(),
		Kind:         OpReportLost,
		ActorID:      actor.ID,
		At:           now,
		BookID:       after.ID,
		BookBefore:   before,
		BookAfter:    after.clone(),
		RecordBefore: recordBefore,
		RecordAfter:  rec.clone(),
	})
	unlock()

	lm.logger.Info(logMsgCommitted, logAttrOperation, string(OpReportLost), logAttrRecordID, rec.ID)
	ev := newEvent(EventBookLost, now, rec.BookID, rec.UserID, rec.ID).
		with("remaining_quantity", strconv.Itoa(after.Quantity)).
		with("replacement_fee", FormatFee(out.ReplacementFee))
	if out.LateFee > 0 {
		ev = ev.with("late_fee", FormatFee(out.LateFee))
	}
	lm.notifier.publish(ev)
	return rec, out, nil
}

// OverdueRecords returns the active loans past their due date, earliest due first.
func (lm *LibraryManager) OverdueRecords(ctx context.Context) ([]*LendingRecord, error) {
	active, err := lm.db.ActiveRecords(ctx)
	if err != nil {
		return nil, err
	}
	now := lm.now()
	overdue := make([]*LendingRecord, 0, len(active))
	for _, rec := range active {
		if rec.DaysOverdue(now) > 0 {
			overdue = append(overdue, rec)
		}
	}
	return overdue, nil
}

// UserRecords returns every loan of userID, newest first.
func (lm *LibraryManager) UserRecords(ctx context.Context, userID int64) ([]*LendingRecord, error) {
	return lm.db.UserRecords(ctx, userID)
}

// ------------------ Recommendations ------------------

// Recommend returns up to limit books for userID (all candidates when limit <= 0).
// Books in sections the user may not enter are never suggested.
func (lm *LibraryManager) Recommend(ctx context.Context, userID int64, limit int) ([]*Book, error) {
	user, err := lm.db.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	records, err := lm.db.UserRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	books, err := lm.db.ListBooks(ctx)
	if err != nil {
		return nil, err
	}
	sections, err := lm.db.ListSections(ctx)
	if err != nil {
		return nil, err
	}
	popularity, err := lm.db.LoanCounts(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*Section, len(sections))
	for _, s := range sections {
		byID[s.ID] = s
	}
	visible := books[:0]
	for _, b := range books {
		shelved := make([]*Section, 0, len(b.SectionIDs))
		for _, id := range b.SectionIDs {
			shelved = append(shelved, byID[id])
		}
		if lm.engine.Access().CanAccessBook(user, shelved) {
			visible = append(visible, b)
		}
	}

	var out []*Book
	for b := range Recommend(RecommendationInput{
		Role:       user.Role,
		History:    records,
		Books:      visible,
		Popularity: popularity,
	}) {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, b)
	}
	return out, nil
}

// ------------------ Undo ------------------

// Undo reverts the newest operation by writing back its snapshots. Returns and loss
// reports cannot be undone and block undo of anything older. An undone checkout closes
// its record as RETURNED with a note instead of deleting it.
func (lm *LibraryManager) Undo(ctx context.Context, actor *User) (Operation, error) {
	actor, err := lm.requireLibrarian(ctx, actor, "undo operations")
	if err != nil {
		return Operation{}, err
	}
	op, found, ok := lm.history.popUndoable()
	if !found {
		return Operation{}, fmt.Errorf("%w: nothing to undo", ErrInvalidState)
	}
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s of book %d cannot be undone", ErrInvalidState, op.Kind, op.BookID)
	}
	now := lm.now()

	unlock := lm.lockBook(op.BookID)
	err = lm.db.inTx(ctx, func(tx *sqlx.Tx) error {
		if op.BookBefore != nil {
			if err := lm.db.casUpdateBook(ctx, tx, op.BookAfter, op.BookBefore); err != nil {
				return err
			}
		}
		switch {
		case op.RecordAfter != nil && op.RecordBefore == nil:
			closed := op.RecordAfter.clone()
			closed.ReturnDate = &now
			closed.Status = LendingReturned
			closed.Notes = strings.TrimSpace(closed.Notes + " checkout undone")
			return lm.db.casUpdateRecord(ctx, tx, op.RecordAfter.Status, closed)
		case op.RecordBefore != nil:
			return lm.db.casUpdateRecord(ctx, tx, op.RecordAfter.Status, op.RecordBefore)
		}
		return nil
	})
	if err != nil {
		lm.history.push(op)
		unlock()
		lm.logFailure(op.Kind, err, logAttrBookID, op.BookID)
		return Operation{}, err
	}
	unlock()

	lm.logger.Info(logMsgUndone, logAttrOperation, string(op.Kind), logAttrBookID, op.BookID)
	recordID := int64(0)
	if op.RecordAfter != nil {
		recordID = op.RecordAfter.ID
	}
	lm.notifier.publish(newEvent(EventOperationUndone, now, op.BookID, actor.ID, recordID).
		with("operation", string(op.Kind)).
		with("operation_id", op.ID.String()))
	return op, nil
}

// UndoDepth is the number of operations in the undo log.
func (lm *LibraryManager) UndoDepth() int { return lm.history.len() }
