package library

import (
	"fmt"
	"math"
	"time"
)

// AccessPolicy maps a user's role and state to permission decisions. It has no side
// effects and holds no state beyond its Policy.
type AccessPolicy struct {
	policy Policy
}

func NewAccessPolicy(p Policy) AccessPolicy {
	return AccessPolicy{policy: p}
}

// CanAccess reports whether u may enter section s.
func (a AccessPolicy) CanAccess(u *User, s *Section) bool {
	switch u.Role {
	case RoleLibrarian:
		return true
	case RoleScholar:
		return s.AccessLevel <= a.policy.ScholarMaxAccessLevel
	case RoleGuest:
		return s.AccessLevel <= a.policy.GuestMaxAccessLevel
	default:
		return false
	}
}

// CanAccessBook requires access to every section the book is shelved in. A book
// outside any section is public.
func (a AccessPolicy) CanAccessBook(u *User, sections []*Section) bool {
	for _, s := range sections {
		if !a.CanAccess(u, s) {
			return false
		}
	}
	return true
}

func (a AccessPolicy) CanManageBooks(u *User) bool {
	return u.Active && u.Role == RoleLibrarian
}

func (a AccessPolicy) CanManageUsers(u *User) bool {
	return u.Active && u.Role == RoleLibrarian
}

// BorrowLimit is the number of loans u may hold at once. Librarians are unlimited.
func (a AccessPolicy) BorrowLimit(u *User) int {
	switch u.Role {
	case RoleLibrarian:
		return math.MaxInt
	case RoleScholar:
		level := AcademicGeneral
		if u.Scholar != nil && u.Scholar.AcademicLevel != "" {
			level = u.Scholar.AcademicLevel
		}
		if limit, ok := a.policy.ScholarBorrowLimits[level]; ok {
			return limit
		}
		return a.policy.ScholarBorrowLimits[AcademicGeneral]
	case RoleGuest:
		membership := MembershipStandard
		if u.Guest != nil && u.Guest.MembershipType != "" {
			membership = u.Guest.MembershipType
		}
		if limit, ok := a.policy.GuestBorrowLimits[membership]; ok {
			return limit
		}
		return a.policy.GuestBorrowLimits[MembershipStandard]
	default:
		return 0
	}
}

// MaxRenewals is the renewal cap for loans held by u.
func (a AccessPolicy) MaxRenewals(u *User) int {
	return a.policy.MaxRenewals[u.Role]
}

// CheckBorrow returns nil when u may take one more loan of a book shelved in sections,
// given activeLoans already held. Every refusal wraps ErrPermissionDenied.
func (a AccessPolicy) CheckBorrow(u *User, sections []*Section, activeLoans int, now time.Time) error {
	if !u.Active {
		return fmt.Errorf("%w: user %d is not active", ErrPermissionDenied, u.ID)
	}
	if !u.MembershipValid(now) {
		return fmt.Errorf("%w: membership of user %d has expired", ErrPermissionDenied, u.ID)
	}
	if !a.CanAccessBook(u, sections) {
		return fmt.Errorf("%w: user %d may not access the book's section", ErrPermissionDenied, u.ID)
	}
	if limit := a.BorrowLimit(u); activeLoans >= limit {
		return fmt.Errorf("%w: user %d already holds %d of %d books", ErrPermissionDenied, u.ID, activeLoans, limit)
	}
	return nil
}
