package library

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "s3cret"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) AdvanceDays(n int) { c.Advance(time.Duration(n) * 24 * time.Hour) }

type fixture struct {
	lm    *LibraryManager
	clock *fakeClock
	lib   *User
	ctx   context.Context
}

func newManager(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := &fakeClock{now: testNow}
	opts = append([]Option{WithClock(clock.Now), WithBcryptCost(bcrypt.MinCost)}, opts...)
	lm, err := NewLibraryManager(filepath.Join(t.TempDir(), "library.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })

	f := &fixture{lm: lm, clock: clock, ctx: context.Background()}
	lib := NewUser(RoleLibrarian, "Head Librarian", "head@library.test")
	_, err = lm.RegisterUser(f.ctx, nil, lib, testPassword)
	require.NoError(t, err)
	f.lib = lib
	return f
}

func (f *fixture) addUser(t *testing.T, u *User) *User {
	t.Helper()
	_, err := f.lm.RegisterUser(f.ctx, f.lib, u, testPassword)
	require.NoError(t, err)
	return u
}

func (f *fixture) guest(t *testing.T, email string) *User {
	t.Helper()
	u := NewUser(RoleGuest, "Guest "+email, email)
	expiry := testNow.AddDate(1, 0, 0)
	u.Guest.MembershipExpiry = &expiry
	return f.addUser(t, u)
}

func (f *fixture) scholar(t *testing.T, email string) *User {
	t.Helper()
	return f.addUser(t, NewUser(RoleScholar, "Scholar "+email, email))
}

func (f *fixture) addBook(t *testing.T, kind BookKind, title string, quantity int) *Book {
	t.Helper()
	b := NewBook(kind, title, "Author of "+title, 2001, quantity)
	_, err := f.lm.AddBook(f.ctx, f.lib, b)
	require.NoError(t, err)
	return b
}

func (f *fixture) book(t *testing.T, id int64) *Book {
	t.Helper()
	b, err := f.lm.GetBook(f.ctx, id)
	require.NoError(t, err)
	return b
}

func (f *fixture) events() *[]Event {
	var (
		mu  sync.Mutex
		got []Event
	)
	f.lm.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	return &got
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func Test_Manager_RegisterUser_BootstrapsFirstLibrarian_Only(t *testing.T) {
	lm, err := NewLibraryManager(filepath.Join(t.TempDir(), "library.db"), WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	defer lm.Close()
	ctx := context.Background()

	_, err = lm.RegisterUser(ctx, nil, NewUser(RoleGuest, "Gus", "gus@example.com"), testPassword)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	lib := NewUser(RoleLibrarian, "Lib", "LIB@Example.com")
	id, err := lm.RegisterUser(ctx, nil, lib, testPassword)
	require.NoError(t, err)
	assert.Equal(t, id, lib.ID)
	assert.Equal(t, "lib@example.com", lib.Email)

	_, err = lm.RegisterUser(ctx, nil, NewUser(RoleLibrarian, "Other", "other@example.com"), testPassword)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func Test_Manager_RegisterUser_RejectsDuplicateEmail(t *testing.T) {
	f := newManager(t)
	f.scholar(t, "ada@example.com")

	_, err := f.lm.RegisterUser(f.ctx, f.lib, NewUser(RoleScholar, "Ada Two", "Ada@example.com"), testPassword)

	assert.ErrorIs(t, err, ErrInvalidInput)
}

func Test_Manager_RegisterUser_RequiresLibrarianActor(t *testing.T) {
	f := newManager(t)
	scholar := f.scholar(t, "ada@example.com")

	_, err := f.lm.RegisterUser(f.ctx, scholar, NewUser(RoleGuest, "Gus", "gus@example.com"), testPassword)

	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func Test_Manager_Authenticate(t *testing.T) {
	f := newManager(t)
	scholar := f.scholar(t, "ada@example.com")

	u, err := f.lm.Authenticate(f.ctx, " ADA@example.com ", testPassword)
	require.NoError(t, err)
	assert.Equal(t, scholar.ID, u.ID)
	require.NotNil(t, u.LastLogin)
	assert.True(t, u.LastLogin.Equal(testNow))

	_, err = f.lm.Authenticate(f.ctx, "ada@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.lm.Authenticate(f.ctx, "nobody@example.com", testPassword)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, f.lm.SetUserActive(f.ctx, f.lib, scholar.ID, false))
	_, err = f.lm.Authenticate(f.ctx, "ada@example.com", testPassword)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func Test_Manager_ResetPassword_SelfOrLibrarian(t *testing.T) {
	f := newManager(t)
	ada := f.scholar(t, "ada@example.com")
	bob := f.scholar(t, "bob@example.com")

	assert.ErrorIs(t, f.lm.ResetPassword(f.ctx, bob, ada.ID, "hijack"), ErrPermissionDenied)

	require.NoError(t, f.lm.ResetPassword(f.ctx, ada, ada.ID, "new-pass"))
	_, err := f.lm.Authenticate(f.ctx, "ada@example.com", "new-pass")
	require.NoError(t, err)

	require.NoError(t, f.lm.ResetPassword(f.ctx, f.lib, ada.ID, "librarian-set"))
	_, err = f.lm.Authenticate(f.ctx, "ada@example.com", "librarian-set")
	assert.NoError(t, err)
}

func Test_Manager_GuestScenario_SingleCopy(t *testing.T) {
	f := newManager(t)
	first := f.guest(t, "first@example.com")
	second := f.guest(t, "second@example.com")
	book := f.addBook(t, KindGeneral, "Only Copy", 1)

	rec, err := f.lm.Checkout(f.ctx, first, book.ID, first.ID)
	require.NoError(t, err)
	got := f.book(t, book.ID)
	assert.Equal(t, 0, got.AvailableQuantity)
	assert.Equal(t, StatusBorrowed, got.Status)

	_, err = f.lm.Checkout(f.ctx, second, book.ID, second.ID)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, out, err := f.lm.Return(f.ctx, first, rec.ID, false)
	require.NoError(t, err)
	assert.Zero(t, out.LateFee)
	got = f.book(t, book.ID)
	assert.Equal(t, 1, got.AvailableQuantity)
	assert.Equal(t, StatusAvailable, got.Status)
}

func Test_Manager_ScholarReturnsRareBookLate_PaysRareRate(t *testing.T) {
	f := newManager(t)
	scholar := f.scholar(t, "ada@example.com")
	book := f.addBook(t, KindRare, "Folio", 1)
	events := f.events()

	rec, err := f.lm.Checkout(f.ctx, scholar, book.ID, scholar.ID)
	require.NoError(t, err)

	f.clock.AdvanceDays(7 + 5)
	overdue, err := f.lm.OverdueRecords(f.ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, rec.ID, overdue[0].ID)

	closed, out, err := f.lm.Return(f.ctx, scholar, rec.ID, false)
	require.NoError(t, err)

	assert.Equal(t, 5, out.DaysOverdue)
	assert.InDelta(t, 5.0, out.LateFee, 1e-9)
	assert.Equal(t, LendingReturned, closed.Status)
	stored, err := f.lm.UserRecords(f.ctx, scholar.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.InDelta(t, 5.0, stored[0].LateFee, 1e-9)
	assert.Equal(t, 1, f.book(t, book.ID).AvailableQuantity)
	assert.Equal(t, []EventType{EventBookBorrowed, EventBookReturned, EventBookReturnedLate}, eventTypes(*events))
	assert.Equal(t, "5.00", (*events)[2].Detail["late_fee"])
}

func Test_Manager_Return_SecondReturnFails_AndKeepsReturnDate(t *testing.T) {
	f := newManager(t)
	scholar := f.scholar(t, "ada@example.com")
	book := f.addBook(t, KindGeneral, "Twice", 2)
	rec, err := f.lm.Checkout(f.ctx, scholar, book.ID, scholar.ID)
	require.NoError(t, err)

	first, _, err := f.lm.Return(f.ctx, scholar, rec.ID, false)
	require.NoError(t, err)
	f.clock.AdvanceDays(3)
	_, _, err = f.lm.Return(f.ctx, scholar, rec.ID, false)

	assert.ErrorIs(t, err, ErrInvalidState)
	records, err := f.lm.UserRecords(f.ctx, scholar.ID)
	require.NoError(t, err)
	require.NotNil(t, records[0].ReturnDate)
	assert.True(t, records[0].ReturnDate.Equal(*first.ReturnDate))
	assert.Equal(t, 2, f.book(t, book.ID).AvailableQuantity)
}

func Test_Manager_Checkout_RefusesExpiredGuest_WithStockAvailable(t *testing.T) {
	f := newManager(t)
	guest := f.guest(t, "gus@example.com")
	book := f.addBook(t, KindGeneral, "Plenty", 5)

	f.clock.AdvanceDays(400)
	_, err := f.lm.Checkout(f.ctx, guest, book.ID, guest.ID)

	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, 5, f.book(t, book.ID).AvailableQuantity)
}

func Test_Manager_Checkout_RespectsSectionAccess(t *testing.T) {
	f := newManager(t)
	guest := f.guest(t, "gus@example.com")
	vault := &Section{Name: "Vault", AccessLevel: 2}
	_, err := f.lm.AddSection(f.ctx, f.lib, vault)
	require.NoError(t, err)
	book := f.addBook(t, KindAncient, "Scroll", 1)
	require.NoError(t, f.lm.AssignBookToSection(f.ctx, f.lib, book.ID, vault.ID))

	_, err = f.lm.Checkout(f.ctx, guest, book.ID, guest.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.lm.Checkout(f.ctx, f.lib, book.ID, f.lib.ID)
	assert.NoError(t, err)
}

func Test_Manager_Checkout_OnlyLibrariansLendToOthers(t *testing.T) {
	f := newManager(t)
	ada := f.scholar(t, "ada@example.com")
	bob := f.scholar(t, "bob@example.com")
	book := f.addBook(t, KindGeneral, "Shared", 3)

	_, err := f.lm.Checkout(f.ctx, ada, book.ID, bob.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	rec, err := f.lm.Checkout(f.ctx, f.lib, book.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, bob.ID, rec.UserID)
}

func Test_Manager_Checkout_UnknownBook(t *testing.T) {
	f := newManager(t)

	_, err := f.lm.Checkout(f.ctx, f.lib, 999, f.lib.ID)

	assert.ErrorIs(t, err, ErrNotFound)
}

func Test_Manager_ConcurrentCheckout_LendsLastCopyOnce(t *testing.T) {
	f := newManager(t)
	book := f.addBook(t, KindGeneral, "Contested", 1)
	const borrowers = 8
	users := make([]*User, borrowers)
	for i := range users {
		users[i] = f.scholar(t, string(rune('a'+i))+"@example.com")
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		errs      []error
	)
	for _, u := range users {
		wg.Add(1)
		go func(u *User) {
			defer wg.Done()
			_, err := f.lm.Checkout(f.ctx, u, book.ID, u.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			errs = append(errs, err)
		}(u)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	got := f.book(t, book.ID)
	assert.Equal(t, 0, got.AvailableQuantity)
	assert.Equal(t, StatusBorrowed, got.Status)
}

func Test_Manager_Return_DegradesToRestoration_AndPublishesEvent(t *testing.T) {
	f := newManager(t)
	scholar := f.scholar(t, "ada@example.com")
	book := f.addBook(t, KindGeneral, "Fragile", 1)
	events := f.events()

	for range 3 {
		rec, err := f.lm.Checkout(f.ctx, scholar, book.ID, scholar.ID)
		require.NoError(t, err)
		_, _, err = f.lm.Return(f.ctx, scholar, rec.ID, true)
		require.NoError(t, err)
	}

	got := f.book(t, book.ID)
	assert.Equal(t, ConditionDamaged, got.Condition)
	assert.Equal(t, StatusRestoration, got.Status)

	var flagged []string
	for _, ev := range *events {
		if ev.Type == EventBookNeedsRestoration {
			flagged = append(flagged, ev.Detail["condition"])
		}
	}
	// POOR crosses the general threshold, DAMAGED sends the book away.
	assert.Equal(t, []string{"POOR", "DAMAGED"}, flagged)

	_, err := f.lm.Checkout(f.ctx, scholar, book.ID, scholar.ID)
	assert.ErrorIs(t, err, ErrUnavailable)

	restored, err := f.lm.CompleteRestoration(f.ctx, f.lib, book.ID, ConditionGood)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, restored.Status)
	assert.Equal(t, ConditionGood, restored.Condition)
}

func Test_Manager_Restore_IsLibrarianOnly_AndKeepsLoansActive(t *testing.T) {
	f := newManager(t)
	scholar := f.scholar(t, "ada@example.com")
	book := f.addBook(t, KindGeneral, "Worn", 2)
	rec, err := f.lm.Checkout(f.ctx, scholar, book.ID, scholar.ID)
	require.NoError(t, err)

	_, err = f.lm.Restore(f.ctx, scholar, book.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	b, err := f.lm.Restore(f.ctx, f.lib, book.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRestoration, b.Status)

	records, err := f.lm.UserRecords(f.ctx, scholar.ID)
	require.NoError(t, err)
	assert.Equal(t, LendingActive, records[0].Status)

	_, _, err = f.lm.Return(f.ctx, scholar, rec.ID, false)
	require.NoError(t, err)
	got := f.book(t, book.ID)
	assert.Equal(t, StatusRestoration, got.Status)
	assert.Equal(t, 2, got.AvailableQuantity)
}

func Test_Manager_Renew_UntilLimit(t *testing.T) {
	f := newManager(t)
	guest := f.guest(t, "gus@example.com")
	book := f.addBook(t, KindGeneral, "Long Read", 1)
	rec, err := f.lm.Checkout(f.ctx, guest, book.ID, guest.ID)
	require.NoError(t, err)

	renewed, err := f.lm.Renew(f.ctx, guest, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed.RenewalCount)
	assert.True(t, renewed.DueDate.Equal(rec.DueDate.AddDate(0, 0, 14)))

	_, err = f.lm.Renew(f.ctx, guest, rec.ID)
	assert.ErrorIs(t, err, ErrRenewalLimitExceeded)
}

func Test_Manager_ReportLost_WritesOffCopy(t *testing.T) {
	f := newManager(t)
	scholar := f.scholar(t, "ada@example.com")
	book := f.addBook(t, KindGeneral, "Gone", 1)
	rec, err := f.lm.Checkout(f.ctx, scholar, book.ID, scholar.ID)
	require.NoError(t, err)

	events := f.events()

	_, _, err = f.lm.ReportLost(f.ctx, scholar, rec.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	lost, out, err := f.lm.ReportLost(f.ctx, f.lib, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, LendingLost, lost.Status)
	assert.InDelta(t, 25.0, out.ReplacementFee, 1e-9)
	assert.Zero(t, out.LateFee)
	got := f.book(t, book.ID)
	assert.Equal(t, 0, got.Quantity)
	assert.Equal(t, StatusLost, got.Status)

	stored, err := f.lm.UserRecords(f.ctx, scholar.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.InDelta(t, 25.0, stored[0].ReplacementFee, 1e-9)
	require.Len(t, *events, 1)
	assert.Equal(t, EventBookLost, (*events)[0].Type)
	assert.Equal(t, "25.00", (*events)[0].Detail["replacement_fee"])
	assert.Equal(t, "0", (*events)[0].Detail["remaining_quantity"])
}

func Test_Manager_ReportLost_AddsAccruedLateFee_WhenOverdue(t *testing.T) {
	f := newManager(t)
	guest := f.guest(t, "gus@example.com")
	book := f.addBook(t, KindGeneral, "Long Gone", 2)
	rec, err := f.lm.Checkout(f.ctx, guest, book.ID, guest.ID)
	require.NoError(t, err)

	f.clock.AdvanceDays(14 + 4)
	_, out, err := f.lm.ReportLost(f.ctx, f.lib, rec.ID)

	require.NoError(t, err)
	assert.InDelta(t, 1.0, out.LateFee, 1e-9)
	assert.InDelta(t, 26.0, out.TotalFee(), 1e-9)
	assert.Equal(t, 1, f.book(t, book.ID).Quantity)
}

func Test_Manager_SetQuantity_ZeroMarksLost(t *testing.T) {
	f := newManager(t)
	book := f.addBook(t, KindGeneral, "Stock", 2)

	b, err := f.lm.SetQuantity(f.ctx, f.lib, book.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusLost, b.Status)

	b, err = f.lm.SetQuantity(f.ctx, f.lib, book.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, b.Status)
	assert.Equal(t, 3, b.AvailableQuantity)
}

func Test_Manager_Undo_Checkout_ClosesRecordAndRestoresStock(t *testing.T) {
	f := newManager(t)
	scholar := f.scholar(t, "ada@example.com")
	book := f.addBook(t, KindGeneral, "Oops", 1)
	events := f.events()
	rec, err := f.lm.Checkout(f.ctx, scholar, book.ID, scholar.ID)
	require.NoError(t, err)

	_, err = f.lm.Undo(f.ctx, scholar)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	op, err := f.lm.Undo(f.ctx, f.lib)
	require.NoError(t, err)
	assert.Equal(t, OpCheckout, op.Kind)

	got := f.book(t, book.ID)
	assert.Equal(t, 1, got.AvailableQuantity)
	assert.Equal(t, StatusAvailable, got.Status)
	records, err := f.lm.UserRecords(f.ctx, scholar.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.Equal(t, LendingReturned, records[0].Status)
	assert.Contains(t, records[0].Notes, "checkout undone")
	assert.Equal(t, EventOperationUndone, (*events)[len(*events)-1].Type)

	_, err = f.lm.Undo(f.ctx, f.lib)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func Test_Manager_Undo_Renew_RestoresDueDate(t *testing.T) {
	f := newManager(t)
	scholar := f.scholar(t, "ada@example.com")
	book := f.addBook(t, KindGeneral, "Again", 1)
	rec, err := f.lm.Checkout(f.ctx, scholar, book.ID, scholar.ID)
	require.NoError(t, err)
	_, err = f.lm.Renew(f.ctx, scholar, rec.ID)
	require.NoError(t, err)

	_, err = f.lm.Undo(f.ctx, f.lib)
	require.NoError(t, err)

	records, err := f.lm.UserRecords(f.ctx, scholar.ID)
	require.NoError(t, err)
	assert.Zero(t, records[0].RenewalCount)
	assert.True(t, records[0].DueDate.Equal(rec.DueDate))
	assert.Equal(t, LendingActive, records[0].Status)
}

func Test_Manager_Undo_IsBlockedByReturn(t *testing.T) {
	f := newManager(t)
	scholar := f.scholar(t, "ada@example.com")
	book := f.addBook(t, KindGeneral, "Final", 1)
	rec, err := f.lm.Checkout(f.ctx, scholar, book.ID, scholar.ID)
	require.NoError(t, err)
	_, _, err = f.lm.Return(f.ctx, scholar, rec.ID, false)
	require.NoError(t, err)

	_, err = f.lm.Undo(f.ctx, f.lib)

	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 2, f.lm.UndoDepth())
	assert.Equal(t, 1, f.book(t, book.ID).AvailableQuantity)
}

func Test_Manager_Undo_Conflict_KeepsOperation(t *testing.T) {
	f := newManager(t)
	book := f.addBook(t, KindGeneral, "Raced", 2)
	_, err := f.lm.Restore(f.ctx, f.lib, book.ID)
	require.NoError(t, err)

	// Change the row behind the manager's back so the snapshot no longer matches.
	_, err = f.lm.db.db.Exec(`UPDATE books SET quantity = 5, available_quantity = 5 WHERE id = ?`, book.ID)
	require.NoError(t, err)

	_, err = f.lm.Undo(f.ctx, f.lib)

	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, f.lm.UndoDepth())
}

func Test_Manager_Recommend_ExcludesHeldAndHiddenBooks(t *testing.T) {
	f := newManager(t)
	guest := f.guest(t, "gus@example.com")
	vault := &Section{Name: "Vault", AccessLevel: 3}
	_, err := f.lm.AddSection(f.ctx, f.lib, vault)
	require.NoError(t, err)

	read := NewBook(KindGeneral, "Read Before", "Orwell", 1949, 1)
	held := NewBook(KindGeneral, "Held Now", "Tolkien", 1954, 1)
	sameAuthor := NewBook(KindGeneral, "Same Author", "Orwell", 1945, 1)
	hidden := NewBook(KindGeneral, "Hidden", "Orwell", 1950, 1)
	hidden.SectionIDs = []int64{vault.ID}
	other := NewBook(KindGeneral, "Other", "Dumas", 1844, 1)
	for _, b := range []*Book{read, held, sameAuthor, hidden, other} {
		_, err := f.lm.AddBook(f.ctx, f.lib, b)
		require.NoError(t, err)
	}

	rec, err := f.lm.Checkout(f.ctx, guest, read.ID, guest.ID)
	require.NoError(t, err)
	_, _, err = f.lm.Return(f.ctx, guest, rec.ID, false)
	require.NoError(t, err)
	_, err = f.lm.Checkout(f.ctx, guest, held.ID, guest.ID)
	require.NoError(t, err)

	books, err := f.lm.Recommend(f.ctx, guest.ID, 0)
	require.NoError(t, err)

	var titles []string
	for _, b := range books {
		titles = append(titles, b.Title)
	}
	assert.Equal(t, []string{"Read Before", "Same Author", "Other"}, titles)

	limited, err := f.lm.Recommend(f.ctx, guest.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func Test_Manager_ReturnBook_FindsActiveLoan(t *testing.T) {
	f := newManager(t)
	scholar := f.scholar(t, "ada@example.com")
	book := f.addBook(t, KindGeneral, "By Book", 1)
	_, err := f.lm.Checkout(f.ctx, scholar, book.ID, scholar.ID)
	require.NoError(t, err)

	rec, _, err := f.lm.ReturnBook(f.ctx, scholar, book.ID, scholar.ID, false)
	require.NoError(t, err)
	assert.Equal(t, LendingReturned, rec.Status)

	_, _, err = f.lm.ReturnBook(f.ctx, scholar, book.ID, scholar.ID, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func Test_Manager_ConcurrentCheckout_DifferentBooks_HonoursBorrowLimit(t *testing.T) {
	policy := DefaultPolicy()
	policy.GuestBorrowLimits = map[string]int{MembershipStandard: 1, MembershipPremium: 1}
	f := newManager(t, WithPolicy(policy))
	guest := f.guest(t, "gus@example.com")
	const titles = 6
	books := make([]*Book, titles)
	for i := range books {
		books[i] = f.addBook(t, KindGeneral, "Volume "+string(rune('A'+i)), 1)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		errs      []error
	)
	for _, b := range books {
		wg.Add(1)
		go func(b *Book) {
			defer wg.Done()
			_, err := f.lm.Checkout(f.ctx, guest, b.ID, guest.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			errs = append(errs, err)
		}(b)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrPermissionDenied)
	}
	records, err := f.lm.UserRecords(f.ctx, guest.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func Test_Manager_StaleLibrarian_LosesRights_WhenDeactivated(t *testing.T) {
	f := newManager(t)
	deputy := f.addUser(t, NewUser(RoleLibrarian, "Deputy", "deputy@library.test"))
	book := f.addBook(t, KindGeneral, "Ledger", 1)
	scholar := f.scholar(t, "ada@example.com")

	require.NoError(t, f.lm.SetUserActive(f.ctx, f.lib, deputy.ID, false))

	// deputy still holds the *User loaded before deactivation.
	assert.True(t, deputy.Active)
	_, err := f.lm.AddBook(f.ctx, deputy, NewBook(KindGeneral, "Smuggled", "Nobody", 2020, 1))
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = f.lm.Restore(f.ctx, deputy, book.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = f.lm.Checkout(f.ctx, deputy, book.ID, scholar.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = f.lm.RegisterUser(f.ctx, deputy, NewUser(RoleGuest, "Gus", "gus@example.com"), testPassword)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	assert.Equal(t, StatusAvailable, f.book(t, book.ID).Status)
	all, err := f.lm.ListBooks(f.ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func Test_Manager_StaleScholar_LosesRights_WhenDeactivated(t *testing.T) {
	f := newManager(t)
	scholar := f.scholar(t, "ada@example.com")
	book := f.addBook(t, KindGeneral, "Kept", 2)
	rec, err := f.lm.Checkout(f.ctx, scholar, book.ID, scholar.ID)
	require.NoError(t, err)

	require.NoError(t, f.lm.SetUserActive(f.ctx, f.lib, scholar.ID, false))

	_, err = f.lm.Renew(f.ctx, scholar, rec.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, _, err = f.lm.Return(f.ctx, scholar, rec.ID, false)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, _, err = f.lm.Return(f.ctx, f.lib, rec.ID, false)
	assert.NoError(t, err)
}

func Test_Manager_Return_PersistsDamageFee(t *testing.T) {
	f := newManager(t)
	scholar := f.scholar(t, "ada@example.com")
	book := f.addBook(t, KindGeneral, "Scuffed", 1)
	events := f.events()
	rec, err := f.lm.Checkout(f.ctx, scholar, book.ID, scholar.ID)
	require.NoError(t, err)

	_, out, err := f.lm.Return(f.ctx, scholar, rec.ID, true)
	require.NoError(t, err)

	assert.InDelta(t, 10.0, out.DamageFee, 1e-9)
	assert.Zero(t, out.ReplacementFee)
	stored, err := f.lm.UserRecords(f.ctx, scholar.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.InDelta(t, 10.0, stored[0].DamageFee, 1e-9)
	assert.InDelta(t, 10.0, stored[0].TotalFees(), 1e-9)
	assert.Equal(t, ConditionFair, f.book(t, book.ID).Condition)
	assert.Equal(t, "10.00", (*events)[1].Detail["damage_fee"])
}

type logEntry struct {
	level string
	msg   string
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg})
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.record("DEBUG", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.record("INFO", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record("WARN", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record("ERROR", msg) }

func (l *recordingLogger) at(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var msgs []string
	for _, e := range l.entries {
		if e.level == level {
			msgs = append(msgs, e.msg)
		}
	}
	return msgs
}

func Test_Manager_RefusedCheckout_LogsAtDebugOnly(t *testing.T) {
	logger := &recordingLogger{}
	f := newManager(t, WithLogger(logger))
	first := f.guest(t, "first@example.com")
	second := f.guest(t, "second@example.com")
	book := f.addBook(t, KindGeneral, "Single", 1)
	_, err := f.lm.Checkout(f.ctx, first, book.ID, first.ID)
	require.NoError(t, err)

	_, err = f.lm.Checkout(f.ctx, second, book.ID, second.ID)
	require.ErrorIs(t, err, ErrUnavailable)

	assert.Contains(t, logger.at("DEBUG"), logMsgRefused)
	assert.Empty(t, logger.at("WARN"))
	assert.Empty(t, logger.at("ERROR"))
	assert.Contains(t, logger.at("INFO"), logMsgCommitted)
}
