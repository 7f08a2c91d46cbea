package library

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envDatabaseURL = "LIBRARY_DATABASE_URL"
	envPolicyFile  = "LIBRARY_POLICY_FILE"
	envLogLevel    = "LIBRARY_LOG_LEVEL"

	// DefaultDatabaseURL is a SQLite file in the working directory.
	DefaultDatabaseURL = "library.db"
)

// Config holds process-level settings. Flags on the command line override it.
type Config struct {
	DatabaseURL string
	PolicyFile  string
	LogLevel    slog.Level
}

// LoadConfig reads envFile (if it exists) into the environment and then builds a Config
// from LIBRARY_* variables. Variables already set in the environment win over the file.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Config{
		DatabaseURL: DefaultDatabaseURL,
		PolicyFile:  os.Getenv(envPolicyFile),
		LogLevel:    slog.LevelWarn,
	}
	if v := os.Getenv(envDatabaseURL); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		level, err := ParseLogLevel(v)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = level
	}
	return cfg, nil
}

// ParseLogLevel accepts slog level names (debug, info, warn, error), case-insensitive.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidInput, s)
	}
	return level, nil
}

// Policy holds every tunable number of the lending and access rules.
type Policy struct {
	// LoanDays is the base loan period per borrower role.
	LoanDays map[Role]int `yaml:"loan_days"`
	// KindLoanCap caps the loan period for a book type (0 or missing means no cap).
	KindLoanCap map[BookKind]int `yaml:"kind_loan_cap"`
	// BestsellerLoanCap caps the loan period of general bestsellers.
	BestsellerLoanCap int `yaml:"bestseller_loan_cap"`

	LateFeeRates map[BookKind]float64 `yaml:"late_fee_rates"`
	MaxRenewals  map[Role]int         `yaml:"max_renewals"`

	// DamageFees is keyed by the condition a copy left in, then the condition it came
	// back in. Missing pairs cost nothing.
	DamageFees map[Condition]map[Condition]float64 `yaml:"damage_fees"`
	// ReplacementCosts is the price of replacing a copy of each type in a given
	// condition. Rare books add their estimated value on top.
	ReplacementCosts map[BookKind]map[Condition]float64 `yaml:"replacement_costs"`

	// ScholarBorrowLimits is keyed by academic level, GuestBorrowLimits by membership type.
	ScholarBorrowLimits map[string]int `yaml:"scholar_borrow_limits"`
	GuestBorrowLimits   map[string]int `yaml:"guest_borrow_limits"`

	// Highest section access level each role may enter. Librarians are never gated.
	ScholarMaxAccessLevel int `yaml:"scholar_max_access_level"`
	GuestMaxAccessLevel   int `yaml:"guest_max_access_level"`

	// RestorationThreshold is the condition at which a book of each type should be
	// queued for restoration.
	RestorationThreshold map[BookKind]Condition `yaml:"restoration_threshold"`
}

// DefaultPolicy returns the rules the library has always run with.
func DefaultPolicy() Policy {
	return Policy{
		LoanDays:          map[Role]int{RoleLibrarian: 21, RoleScholar: 21, RoleGuest: 14},
		KindLoanCap:       map[BookKind]int{KindRare: 7},
		BestsellerLoanCap: 14,
		LateFeeRates:      map[BookKind]float64{KindGeneral: 0.25, KindRare: 1.00, KindAncient: 2.00},
		MaxRenewals:       map[Role]int{RoleLibrarian: 3, RoleScholar: 2, RoleGuest: 1},
		DamageFees: map[Condition]map[Condition]float64{
			ConditionNew:  {ConditionGood: 5, ConditionFair: 15, ConditionPoor: 30, ConditionDamaged: 50},
			ConditionGood: {ConditionFair: 10, ConditionPoor: 25, ConditionDamaged: 45},
			ConditionFair: {ConditionPoor: 15, ConditionDamaged: 35},
			ConditionPoor: {ConditionDamaged: 20},
		},
		ReplacementCosts: map[BookKind]map[Condition]float64{
			KindGeneral: {ConditionNew: 30, ConditionGood: 25, ConditionFair: 20, ConditionPoor: 15, ConditionDamaged: 10},
			KindRare:    {ConditionNew: 100, ConditionGood: 80, ConditionFair: 60, ConditionPoor: 40, ConditionDamaged: 30},
			KindAncient: {ConditionNew: 500, ConditionGood: 400, ConditionFair: 300, ConditionPoor: 200, ConditionDamaged: 150},
		},
		ScholarBorrowLimits: map[string]int{
			AcademicGeneral:       5,
			AcademicGraduate:      8,
			AcademicProfessor:     12,
			AcademicDistinguished: 15,
		},
		GuestBorrowLimits:     map[string]int{MembershipStandard: 3, MembershipPremium: 5},
		ScholarMaxAccessLevel: 1,
		GuestMaxAccessLevel:   0,
		RestorationThreshold: map[BookKind]Condition{
			KindGeneral: ConditionPoor,
			KindRare:    ConditionFair,
			KindAncient: ConditionFair,
		},
	}
}

// LoadPolicy reads a YAML file over DefaultPolicy, so the file only needs the keys it
// changes.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("%w: parse policy %s: %v", ErrInvalidInput, path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate rejects policies the lending engine cannot run with.
func (p Policy) Validate() error {
	for _, role := range []Role{RoleLibrarian, RoleScholar, RoleGuest} {
		if p.LoanDays[role] <= 0 {
			return fmt.Errorf("%w: loan_days for %s must be positive", ErrInvalidInput, role)
		}
		if p.MaxRenewals[role] < 0 {
			return fmt.Errorf("%w: max_renewals for %s cannot be negative", ErrInvalidInput, role)
		}
	}
	for _, kind := range []BookKind{KindGeneral, KindRare, KindAncient} {
		if p.LateFeeRates[kind] <= 0 {
			return fmt.Errorf("%w: late_fee_rates for %s must be positive", ErrInvalidInput, kind)
		}
		if p.KindLoanCap[kind] < 0 {
			return fmt.Errorf("%w: kind_loan_cap for %s cannot be negative", ErrInvalidInput, kind)
		}
	}
	if p.BestsellerLoanCap < 0 {
		return fmt.Errorf("%w: bestseller_loan_cap cannot be negative", ErrInvalidInput)
	}
	if p.GuestMaxAccessLevel < 0 || p.ScholarMaxAccessLevel < p.GuestMaxAccessLevel {
		return fmt.Errorf("%w: access levels must satisfy 0 <= guest <= scholar", ErrInvalidInput)
	}
	for level, n := range p.ScholarBorrowLimits {
		if n < 0 {
			return fmt.Errorf("%w: scholar_borrow_limits for %s cannot be negative", ErrInvalidInput, level)
		}
	}
	for membership, n := range p.GuestBorrowLimits {
		if n < 0 {
			return fmt.Errorf("%w: guest_borrow_limits for %s cannot be negative", ErrInvalidInput, membership)
		}
	}
	for kind, c := range p.RestorationThreshold {
		if !c.valid() {
			return fmt.Errorf("%w: restoration_threshold for %s is %s", ErrInvalidInput, kind, c)
		}
	}
	for from, row := range p.DamageFees {
		for to, fee := range row {
			if !from.valid() || !to.valid() || fee < 0 {
				return fmt.Errorf("%w: damage_fees %s -> %s", ErrInvalidInput, from, to)
			}
		}
	}
	for kind, row := range p.ReplacementCosts {
		for c, cost := range row {
			if !c.valid() || cost < 0 {
				return fmt.Errorf("%w: replacement_costs for %s in %s", ErrInvalidInput, kind, c)
			}
		}
	}
	return nil
}
