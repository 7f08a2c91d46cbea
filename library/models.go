package library

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// BookKind tags the variant payload carried by a Book.
type BookKind string

const (
	KindGeneral BookKind = "general"
	KindRare    BookKind = "rare"
	KindAncient BookKind = "ancient"
)

// ParseBookKind accepts the lower-case kind names used in the database and in snapshots.
func ParseBookKind(s string) (BookKind, error) {
	switch k := BookKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindGeneral, KindRare, KindAncient:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown book type %q", ErrInvalidInput, s)
	}
}

// Condition is ordered from best to worst; Degrade moves one step towards ConditionDamaged.
type Condition int

const (
	ConditionNew Condition = iota
	ConditionGood
	ConditionFair
	ConditionPoor
	ConditionDamaged
)

var conditionNames = [...]string{"NEW", "GOOD", "FAIR", "POOR", "DAMAGED"}

func (c Condition) String() string {
	if !c.valid() {
		return fmt.Sprintf("Condition(%d)", int(c))
	}
	return conditionNames[c]
}

// ParseCondition is case-insensitive.
func ParseCondition(s string) (Condition, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range conditionNames {
		if n == name {
			return Condition(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown condition %q", ErrInvalidInput, s)
}

func (c Condition) valid() bool { return c >= ConditionNew && c <= ConditionDamaged }

// Degrade returns the next worse condition. DAMAGED stays DAMAGED.
func (c Condition) Degrade() Condition {
	if c >= ConditionDamaged {
		return ConditionDamaged
	}
	return c + 1
}

func (c Condition) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Condition) UnmarshalText(b []byte) error {
	parsed, err := ParseCondition(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// BookStatus is the shelf state of a title across all of its copies.
type BookStatus string

const (
	StatusAvailable   BookStatus = "AVAILABLE"
	StatusBorrowed    BookStatus = "BORROWED"
	StatusRestoration BookStatus = "RESTORATION"
	StatusLost        BookStatus = "LOST"
)

func ParseBookStatus(s string) (BookStatus, error) {
	switch st := BookStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusAvailable, StatusBorrowed, StatusRestoration, StatusLost:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown book status %q", ErrInvalidInput, s)
	}
}

type GeneralDetails struct {
	Genre      string `json:"genre"`
	Bestseller bool   `json:"is_bestseller"`
}

type RareDetails struct {
	EstimatedValue float64 `json:"estimated_value"`
	RarityLevel    int     `json:"rarity_level"`
	HandlingNotes  string  `json:"special_handling_notes"`
}

// RequiresGloves reports whether staff must wear gloves when handling the book.
func (r *RareDetails) RequiresGloves() bool { return r.RarityLevel > 5 }

type AncientDetails struct {
	Origin               string `json:"origin"`
	Language             string `json:"language"`
	TranslationAvailable bool   `json:"translation_available"`
	DigitalCopyAvailable bool   `json:"digital_copy_available"`
	PreservationNotes    string `json:"preservation_requirements"`
}

// Book is one catalogue title with Quantity physical copies.
// Exactly one of General, Rare or Ancient is set, matching Kind.
type Book struct {
	ID                int64           `json:"id"`
	Kind              BookKind        `json:"type"`
	Title             string          `json:"title"`
	Author            string          `json:"author"`
	Year              int             `json:"year_published"`
	ISBN              string          `json:"isbn"`
	Condition         Condition       `json:"condition"`
	Status            BookStatus      `json:"status"`
	Quantity          int             `json:"quantity"`
	AvailableQuantity int             `json:"available_quantity"`
	Location          string          `json:"location"`
	AcquiredAt        time.Time       `json:"acquisition_date"`
	SectionIDs        []int64         `json:"section_ids"`
	General           *GeneralDetails `json:"general,omitempty"`
	Rare              *RareDetails    `json:"rare,omitempty"`
	Ancient           *AncientDetails `json:"ancient,omitempty"`
}

// NewBook returns a book in GOOD condition with every copy on the shelf and an empty
// payload for kind.
func NewBook(kind BookKind, title, author string, year, quantity int) *Book {
	b := &Book{
		Kind:              kind,
		Title:             title,
		Author:            author,
		Year:              year,
		Condition:         ConditionGood,
		Status:            StatusAvailable,
		Quantity:          quantity,
		AvailableQuantity: quantity,
	}
	switch kind {
	case KindGeneral:
		b.General = &GeneralDetails{}
	case KindRare:
		b.Rare = &RareDetails{RarityLevel: 1}
	case KindAncient:
		b.Ancient = &AncientDetails{}
	}
	return b
}

// Genre is empty for non-general books.
func (b *Book) Genre() string {
	if b.General == nil {
		return ""
	}
	return b.General.Genre
}

// Validate checks the structural invariants every persisted book must satisfy.
func (b *Book) Validate() error {
	if strings.TrimSpace(b.Title) == "" || strings.TrimSpace(b.Author) == "" {
		return fmt.Errorf("%w: title and author are required", ErrInvalidInput)
	}
	if b.Quantity < 0 {
		return fmt.Errorf("%w: quantity cannot be negative", ErrInvalidInput)
	}
	if b.AvailableQuantity < 0 || b.AvailableQuantity > b.Quantity {
		return fmt.Errorf("%w: available quantity %d outside [0, %d]", ErrInvalidInput, b.AvailableQuantity, b.Quantity)
	}
	payloads := 0
	for _, set := range []bool{b.General != nil, b.Rare != nil, b.Ancient != nil} {
		if set {
			payloads++
		}
	}
	ok := payloads == 1 &&
		(b.Kind == KindGeneral && b.General != nil ||
			b.Kind == KindRare && b.Rare != nil ||
			b.Kind == KindAncient && b.Ancient != nil)
	if !ok {
		return fmt.Errorf("%w: book of type %q must carry exactly its own details", ErrInvalidInput, b.Kind)
	}
	return nil
}

func (b *Book) clone() *Book {
	c := *b
	c.SectionIDs = slices.Clone(b.SectionIDs)
	if b.General != nil {
		g := *b.General
		c.General = &g
	}
	if b.Rare != nil {
		r := *b.Rare
		c.Rare = &r
	}
	if b.Ancient != nil {
		a := *b.Ancient
		c.Ancient = &a
	}
	return &c
}

func (b *Book) String() string {
	return fmt.Sprintf("%s by %s (%d)", b.Title, b.Author, b.Year)
}

// Role tags the variant payload carried by a User.
type Role string

const (
	RoleLibrarian Role = "LIBRARIAN"
	RoleScholar   Role = "SCHOLAR"
	RoleGuest     Role = "GUEST"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleLibrarian, RoleScholar, RoleGuest:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
}

const (
	AcademicGeneral       = "General"
	AcademicGraduate      = "Graduate"
	AcademicProfessor     = "Professor"
	AcademicDistinguished = "Distinguished"

	MembershipStandard = "Standard"
	MembershipPremium  = "Premium"
)

type LibrarianDetails struct {
	Department string `json:"department"`
	StaffID    string `json:"staff_id"`
	AdminLevel int    `json:"admin_level"`
}

type ScholarDetails struct {
	Institution    string   `json:"institution"`
	Field          string   `json:"field_of_study"`
	AcademicLevel  string   `json:"academic_level"`
	ResearchTopics []string `json:"research_topics"`
}

type GuestDetails struct {
	Address          string     `json:"address"`
	Phone            string     `json:"phone"`
	MembershipType   string     `json:"membership_type"`
	MembershipExpiry *time.Time `json:"membership_expiry"`
}

// User is a registered library member. Exactly one of Librarian, Scholar or Guest is
// set, matching Role.
type User struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Email        string            `json:"email"`
	PasswordHash string            `json:"-"` // Don't serialize password hash
	Role         Role              `json:"role"`
	RegisteredAt time.Time         `json:"registration_date"`
	Active       bool              `json:"active"`
	LastLogin    *time.Time        `json:"last_login"`
	Librarian    *LibrarianDetails `json:"librarian,omitempty"`
	Scholar      *ScholarDetails   `json:"scholar,omitempty"`
	Guest        *GuestDetails     `json:"guest,omitempty"`
}

// NewUser returns an active user with the default payload for role.
func NewUser(role Role, name, email string) *User {
	u := &User{Name: name, Email: email, Role: role, Active: true}
	switch role {
	case RoleLibrarian:
		u.Librarian = &LibrarianDetails{AdminLevel: 1}
	case RoleScholar:
		u.Scholar = &ScholarDetails{AcademicLevel: AcademicGeneral}
	case RoleGuest:
		u.Guest = &GuestDetails{MembershipType: MembershipStandard}
	}
	return u
}

func (u *User) Validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !strings.Contains(u.Email, "@") {
		return fmt.Errorf("%w: invalid email %q", ErrInvalidInput, u.Email)
	}
	switch {
	case u.Role == RoleLibrarian && u.Librarian != nil && u.Scholar == nil && u.Guest == nil:
		if u.Librarian.AdminLevel < 1 || u.Librarian.AdminLevel > 3 {
			return fmt.Errorf("%w: admin level must be 1, 2, or 3", ErrInvalidInput)
		}
	case u.Role == RoleScholar && u.Scholar != nil && u.Librarian == nil && u.Guest == nil:
		switch u.Scholar.AcademicLevel {
		case AcademicGeneral, AcademicGraduate, AcademicProfessor, AcademicDistinguished:
		default:
			return fmt.Errorf("%w: unknown academic level %q", ErrInvalidInput, u.Scholar.AcademicLevel)
		}
	case u.Role == RoleGuest && u.Guest != nil && u.Librarian == nil && u.Scholar == nil:
		if u.Guest.MembershipType != MembershipStandard && u.Guest.MembershipType != MembershipPremium {
			return fmt.Errorf("%w: membership type must be Standard or Premium", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: user with role %q must carry exactly its own details", ErrInvalidInput, u.Role)
	}
	return nil
}

// MembershipValid is always true for non-guests. A guest without an expiry date has no
// membership.
func (u *User) MembershipValid(now time.Time) bool {
	if u.Role != RoleGuest {
		return true
	}
	if u.Guest == nil || u.Guest.MembershipExpiry == nil {
		return false
	}
	return !now.After(*u.Guest.MembershipExpiry)
}

func (u *User) String() string {
	return fmt.Sprintf("%s (%s)", u.Name, u.Email)
}

// Section groups books behind an ordinal access gate; 0 is public.
type Section struct {
	ID          int64  `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`
	AccessLevel int    `json:"access_level" db:"access_level"`
}

// LendingStatus is the lifecycle state of a single loan.
type LendingStatus string

const (
	LendingActive   LendingStatus = "ACTIVE"
	LendingReturned LendingStatus = "RETURNED"
	LendingOverdue  LendingStatus = "OVERDUE"
	LendingLost     LendingStatus = "LOST"
)

func ParseLendingStatus(s string) (LendingStatus, error) {
	switch st := LendingStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case LendingActive, LendingReturned, LendingOverdue, LendingLost:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown lending status %q", ErrInvalidInput, s)
	}
}

// LendingRecord is one copy of BookID lent to UserID. DamageFee is charged when the
// copy comes back worse than it left; ReplacementFee when it is lost or returned DAMAGED.
type LendingRecord struct {
	ID             int64         `json:"id"`
	BookID         int64         `json:"book_id"`
	UserID         int64         `json:"user_id"`
	CheckoutDate   time.Time     `json:"checkout_date"`
	DueDate        time.Time     `json:"due_date"`
	ReturnDate     *time.Time    `json:"return_date"`
	Status         LendingStatus `json:"status"`
	RenewalCount   int           `json:"renewal_count"`
	LateFee        float64       `json:"late_fee"`
	DamageFee      float64       `json:"damage_fee"`
	ReplacementFee float64       `json:"replacement_fee"`
	Notes          string        `json:"notes"`
}

// TotalFees is everything charged on the loan.
func (r *LendingRecord) TotalFees() float64 {
	return r.LateFee + r.DamageFee + r.ReplacementFee
}

// DaysOverdue counts whole calendar days past the due date at now. Never negative.
func (r *LendingRecord) DaysOverdue(now time.Time) int {
	return max(0, daysBetween(r.DueDate, now))
}

// EffectiveStatus reports OVERDUE for an active loan past its due date. The stored
// status stays ACTIVE until the copy comes back.
func (r *LendingRecord) EffectiveStatus(now time.Time) LendingStatus {
	if r.Status == LendingActive && r.DaysOverdue(now) > 0 {
		return LendingOverdue
	}
	return r.Status
}

func (r *LendingRecord) clone() *LendingRecord {
	c := *r
	if r.ReturnDate != nil {
		d := *r.ReturnDate
		c.ReturnDate = &d
	}
	return &c
}

// civilDay truncates t to midnight UTC.
func civilDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween counts calendar days from from to to; negative when to is earlier.
func daysBetween(from, to time.Time) int {
	return int(civilDay(to).Sub(civilDay(from)).Hours() / 24)
}
