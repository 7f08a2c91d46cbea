package library

import (
	"fmt"
	"time"
)

// LendingEngine owns the checkout/return state machine. Its methods are pure decisions
// over already-loaded entities: they validate every precondition first and only then
// mutate the book and record they were given, so a returned error means nothing changed.
//
// Book states:
//
//	AVAILABLE --checkout (last copy)--> BORROWED --return--> AVAILABLE
//	any --restore--> RESTORATION --complete restoration--> AVAILABLE | BORROWED
//	return with condition reaching DAMAGED --> RESTORATION
//	quantity reaching 0 --> LOST
type LendingEngine struct {
	policy Policy
	access AccessPolicy
}

func NewLendingEngine(p Policy) *LendingEngine {
	return &LendingEngine{policy: p, access: NewAccessPolicy(p)}
}

func (e *LendingEngine) Policy() Policy       { return e.policy }
func (e *LendingEngine) Access() AccessPolicy { return e.access }

// LoanPeriod is the loan length in days for u borrowing b: the role's period, shortened
// by any cap on the book type and by the bestseller cap.
func (e *LendingEngine) LoanPeriod(u *User, b *Book) int {
	days := e.policy.LoanDays[u.Role]
	if limit := e.policy.KindLoanCap[b.Kind]; limit > 0 && limit < days {
		days = limit
	}
	if b.General != nil && b.General.Bestseller {
		if limit := e.policy.BestsellerLoanCap; limit > 0 && limit < days {
			days = limit
		}
	}
	return days
}

// Checkout lends one copy of book to user. sections are the sections the book is
// shelved in and activeLoans is the number of ACTIVE records user already holds.
// The returned record has no ID yet.
func (e *LendingEngine) Checkout(book *Book, user *User, sections []*Section, activeLoans int, now time.Time) (*LendingRecord, error) {
	if book.Status == StatusRestoration || book.Status == StatusLost {
		return nil, fmt.Errorf("%w: book %d is in status %s", ErrUnavailable, book.ID, book.Status)
	}
	if book.AvailableQuantity <= 0 {
		return nil, fmt.Errorf("%w: no copies of book %d are available", ErrUnavailable, book.ID)
	}
	if err := e.access.CheckBorrow(user, sections, activeLoans, now); err != nil {
		return nil, err
	}

	book.AvailableQuantity--
	if book.AvailableQuantity == 0 {
		book.Status = StatusBorrowed
	}

	return &LendingRecord{
		BookID:       book.ID,
		UserID:       user.ID,
		CheckoutDate: now,
		DueDate:      now.AddDate(0, 0, e.LoanPeriod(user, book)),
		Status:       LendingActive,
	}, nil
}

// ReturnOutcome describes what a return changed beyond closing the record.
type ReturnOutcome struct {
	DaysOverdue      int
	LateFee          float64
	DamageFee        float64
	ReplacementFee   float64
	Condition        Condition
	Degraded         bool
	NeedsRestoration bool
}

// TotalFee is everything the borrower owes for the loan.
func (o ReturnOutcome) TotalFee() float64 { return o.LateFee + o.DamageFee + o.ReplacementFee }

// Return closes rec and puts the copy back on the shelf. conditionChanged degrades the
// book one step and charges the damage fee for that step; reaching DAMAGED sends it to
// RESTORATION and charges the replacement cost as well.
func (e *LendingEngine) Return(rec *LendingRecord, book *Book, conditionChanged bool, now time.Time) (ReturnOutcome, error) {
	if rec.Status != LendingActive {
		return ReturnOutcome{}, fmt.Errorf("%w: lending record %d is %s", ErrInvalidState, rec.ID, rec.Status)
	}
	if rec.BookID != book.ID {
		return ReturnOutcome{}, fmt.Errorf("%w: lending record %d is for book %d, not %d", ErrInvalidInput, rec.ID, rec.BookID, book.ID)
	}

	returned := now
	rec.ReturnDate = &returned
	rec.Status = LendingReturned

	out := ReturnOutcome{DaysOverdue: rec.DaysOverdue(now)}
	out.LateFee = e.policy.LateFee(book.Kind, out.DaysOverdue)
	rec.LateFee = out.LateFee

	book.AvailableQuantity = min(book.AvailableQuantity+1, book.Quantity)
	if book.Status == StatusBorrowed && book.AvailableQuantity > 0 {
		book.Status = StatusAvailable
	}

	if conditionChanged {
		left := book.Condition
		book.Condition = left.Degrade()
		out.Degraded = true
		out.DamageFee = e.policy.DamageFee(left, book.Condition)
		if book.Condition == ConditionDamaged {
			book.Status = StatusRestoration
			if left != ConditionDamaged {
				out.ReplacementFee = e.policy.ReplacementCost(book)
			}
		}
	}
	rec.DamageFee = out.DamageFee
	rec.ReplacementFee = out.ReplacementFee
	out.Condition = book.Condition
	out.NeedsRestoration = e.NeedsRestoration(book)

	return out, nil
}

// Renew extends an active, not yet overdue loan by one loan period.
func (e *LendingEngine) Renew(rec *LendingRecord, book *Book, borrower *User, now time.Time) error {
	if rec.Status != LendingActive {
		return fmt.Errorf("%w: lending record %d is %s", ErrInvalidState, rec.ID, rec.Status)
	}
	if rec.DaysOverdue(now) > 0 {
		return fmt.Errorf("%w: lending record %d is overdue and cannot be renewed", ErrInvalidState, rec.ID)
	}
	if limit := e.access.MaxRenewals(borrower); rec.RenewalCount >= limit {
		return fmt.Errorf("%w: lending record %d renewed %d of %d times", ErrRenewalLimitExceeded, rec.ID, rec.RenewalCount, limit)
	}

	rec.DueDate = rec.DueDate.AddDate(0, 0, e.LoanPeriod(borrower, book))
	rec.RenewalCount++
	return nil
}

// Restore takes the book out of circulation for maintenance. Outstanding loans stay
// ACTIVE until they are returned.
func (e *LendingEngine) Restore(book *Book, actor *User) error {
	if !e.access.CanManageBooks(actor) {
		return fmt.Errorf("%w: only librarians can send books to restoration", ErrPermissionDenied)
	}
	book.Status = StatusRestoration
	return nil
}

// CompleteRestoration returns a restored book to circulation in condition.
func (e *LendingEngine) CompleteRestoration(book *Book, actor *User, condition Condition) error {
	if !e.access.CanManageBooks(actor) {
		return fmt.Errorf("%w: only librarians can complete restorations", ErrPermissionDenied)
	}
	if book.Status != StatusRestoration {
		return fmt.Errorf("%w: book %d is not in restoration", ErrInvalidState, book.ID)
	}
	if condition < ConditionNew || condition >= ConditionDamaged {
		return fmt.Errorf("%w: a restored book cannot be %s", ErrInvalidInput, condition)
	}

	book.Condition = condition
	book.Status = shelfStatus(book)
	return nil
}

// LossOutcome is what the borrower owes for a lost copy.
type LossOutcome struct {
	DaysOverdue    int
	LateFee        float64
	ReplacementFee float64
}

func (o LossOutcome) TotalFee() float64 { return o.LateFee + o.ReplacementFee }

// ReportLost closes rec as LOST, writes the copy off the book's quantity and charges
// the replacement cost plus any late fee accrued by now.
func (e *LendingEngine) ReportLost(rec *LendingRecord, book *Book, now time.Time) (LossOutcome, error) {
	if rec.Status != LendingActive {
		return LossOutcome{}, fmt.Errorf("%w: lending record %d is %s", ErrInvalidState, rec.ID, rec.Status)
	}
	if rec.BookID != book.ID {
		return LossOutcome{}, fmt.Errorf("%w: lending record %d is for book %d, not %d", ErrInvalidInput, rec.ID, rec.BookID, book.ID)
	}

	out := LossOutcome{DaysOverdue: rec.DaysOverdue(now), ReplacementFee: e.policy.ReplacementCost(book)}
	out.LateFee = e.policy.LateFee(book.Kind, out.DaysOverdue)

	rec.Status = LendingLost
	rec.LateFee = out.LateFee
	rec.ReplacementFee = out.ReplacementFee
	book.Quantity--
	if book.Quantity == 0 {
		book.Status = StatusLost
	}
	return out, nil
}

// AccruedLateFee is the late fee rec would be charged if book came back at now.
func (e *LendingEngine) AccruedLateFee(rec *LendingRecord, book *Book, now time.Time) float64 {
	if rec.Status != LendingActive {
		return rec.LateFee
	}
	return e.policy.LateFee(book.Kind, rec.DaysOverdue(now))
}

// SetQuantity changes the number of registered copies. Copies currently lent out
// cannot be written off this way.
func (e *LendingEngine) SetQuantity(book *Book, actor *User, quantity int) error {
	if !e.access.CanManageBooks(actor) {
		return fmt.Errorf("%w: only librarians can change stock", ErrPermissionDenied)
	}
	if quantity < 0 {
		return fmt.Errorf("%w: quantity cannot be negative", ErrInvalidInput)
	}
	lent := book.Quantity - book.AvailableQuantity
	if quantity < lent {
		return fmt.Errorf("%w: %d copies of book %d are lent out", ErrInvalidState, lent, book.ID)
	}

	book.Quantity = quantity
	book.AvailableQuantity = quantity - lent
	if book.Status != StatusRestoration {
		book.Status = shelfStatus(book)
	}
	return nil
}

// NeedsRestoration reports whether the book's condition has reached the restoration
// threshold for its type.
func (e *LendingEngine) NeedsRestoration(book *Book) bool {
	threshold, ok := e.policy.RestorationThreshold[book.Kind]
	return ok && book.Condition >= threshold
}

// shelfStatus derives the circulation status from stock.
func shelfStatus(book *Book) BookStatus {
	switch {
	case book.Quantity == 0:
		return StatusLost
	case book.AvailableQuantity == 0:
		return StatusBorrowed
	default:
		return StatusAvailable
	}
}
