package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"enchanted-library/library"

	"github.com/spf13/cobra"
)

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s ID: %s", what, s)
	}
	return id, nil
}

// ------------------ Books ------------------

func (a *app) bookCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "book", Short: "Manage the catalogue"}
	cmd.AddCommand(a.bookAddCmd(), a.bookListCmd(), a.bookSearchCmd(), a.bookQuantityCmd())
	return cmd
}

func (a *app) bookAddCmd() *cobra.Command {
	var (
		kind, title, author, isbn, location string
		year, quantity                      int
		sections                            []int64

		genre      string
		bestseller bool

		value    float64
		rarity   int
		handling string

		origin, language, preservation string
		translation, digital           bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a title to the catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			k, err := library.ParseBookKind(kind)
			if err != nil {
				return err
			}

			b := library.NewBook(k, title, author, year, quantity)
			b.ISBN = isbn
			b.Location = location
			b.SectionIDs = sections
			switch k {
			case library.KindGeneral:
				b.General.Genre = genre
				b.General.Bestseller = bestseller
			case library.KindRare:
				b.Rare.EstimatedValue = value
				b.Rare.RarityLevel = rarity
				b.Rare.HandlingNotes = handling
			case library.KindAncient:
				b.Ancient.Origin = origin
				b.Ancient.Language = language
				b.Ancient.TranslationAvailable = translation
				b.Ancient.DigitalCopyAvailable = digital
				b.Ancient.PreservationNotes = preservation
			}

			id, err := a.mgr.AddBook(cmd.Context(), actor, b)
			if err != nil {
				return fmt.Errorf("error adding book: %w", err)
			}
			fmt.Fprintf(a.out, "Added book ID %d: %s\n", id, b)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "type", string(library.KindGeneral), "general, rare or ancient")
	f.StringVar(&title, "title", "", "title")
	f.StringVar(&author, "author", "", "author")
	f.IntVar(&year, "year", 0, "year published")
	f.StringVar(&isbn, "isbn", "", "ISBN")
	f.StringVar(&location, "location", "", "shelf location")
	f.IntVar(&quantity, "quantity", 1, "number of copies")
	f.Int64SliceVar(&sections, "section", nil, "section ID (repeatable)")
	f.StringVar(&genre, "genre", "", "genre (general books)")
	f.BoolVar(&bestseller, "bestseller", false, "bestseller (general books)")
	f.Float64Var(&value, "value", 0, "estimated value (rare books)")
	f.IntVar(&rarity, "rarity", 1, "rarity level 1-10 (rare books)")
	f.StringVar(&handling, "handling", "", "special handling notes (rare books)")
	f.StringVar(&origin, "origin", "", "origin (ancient books)")
	f.StringVar(&language, "language", "", "language (ancient books)")
	f.BoolVar(&translation, "translation", false, "translation available (ancient books)")
	f.BoolVar(&digital, "digital", false, "digital copy available (ancient books)")
	f.StringVar(&preservation, "preservation", "", "preservation requirements (ancient books)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("author")
	return cmd
}

func (a *app) bookListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all books",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			books, err := a.mgr.ListBooks(cmd.Context())
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Fprintln(a.out, "No books in library.")
				return nil
			}
			a.printBooks(books)
			return nil
		},
	}
}

func (a *app) bookSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search QUERY",
		Short: "Search titles, authors and ISBNs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			books, err := a.mgr.SearchBooks(cmd.Context(), query)
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Fprintf(a.out, "No books found matching '%s'.\n", query)
				return nil
			}
			fmt.Fprintf(a.out, "Found %d book(s) matching '%s':\n", len(books), query)
			a.printBooks(books)
			return nil
		},
	}
}

func (a *app) bookQuantityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quantity BOOK_ID QUANTITY",
		Short: "Set the number of registered copies (0 marks the title LOST)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID(args[0], "book")
			if err != nil {
				return err
			}
			quantity, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid quantity: %s", args[1])
			}
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			b, err := a.mgr.SetQuantity(cmd.Context(), actor, bookID, quantity)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "'%s' now has %d copies, %d available (%s)\n", b.Title, b.Quantity, b.AvailableQuantity, b.Status)
			return nil
		},
	}
}

func (a *app) printBooks(books []*library.Book) {
	fmt.Fprintf(a.out, "%-5s %-8s %-30s %-22s %-8s %-12s %-5s\n", "ID", "Type", "Title", "Author", "Cond.", "Status", "Avail")
	fmt.Fprintln(a.out, strings.Repeat("-", 96))
	for _, b := range books {
		fmt.Fprintf(a.out, "%-5d %-8s %-30s %-22s %-8s %-12s %d/%d\n",
			b.ID,
			b.Kind,
			library.Truncate(b.Title, 30),
			library.Truncate(b.Author, 22),
			b.Condition,
			b.Status,
			b.AvailableQuantity, b.Quantity)
	}
}

// ------------------ Sections ------------------

func (a *app) sectionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "section", Short: "Manage sections and their access levels"}

	var name, description string
	var level int
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a section",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			s := &library.Section{Name: name, Description: description, AccessLevel: level}
			id, err := a.mgr.AddSection(cmd.Context(), actor, s)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Added section '%s' with ID %d (access level %d)\n", name, id, level)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "section name")
	add.Flags().StringVar(&description, "description", "", "description")
	add.Flags().IntVar(&level, "access-level", 0, "minimum access level (0 is public)")
	_ = add.MarkFlagRequired("name")

	assign := &cobra.Command{
		Use:   "assign BOOK_ID SECTION_ID",
		Short: "Shelve a book in a section",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID(args[0], "book")
			if err != nil {
				return err
			}
			sectionID, err := parseID(args[1], "section")
			if err != nil {
				return err
			}
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.mgr.AssignBookToSection(cmd.Context(), actor, bookID, sectionID); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Book %d assigned to section %d\n", bookID, sectionID)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sections, err := a.mgr.ListSections(cmd.Context())
			if err != nil {
				return err
			}
			if len(sections) == 0 {
				fmt.Fprintln(a.out, "No sections defined.")
				return nil
			}
			fmt.Fprintf(a.out, "%-5s %-25s %-6s %s\n", "ID", "Name", "Level", "Description")
			fmt.Fprintln(a.out, strings.Repeat("-", 70))
			for _, s := range sections {
				fmt.Fprintf(a.out, "%-5d %-25s %-6d %s\n", s.ID, library.Truncate(s.Name, 25), s.AccessLevel, s.Description)
			}
			return nil
		},
	}

	cmd.AddCommand(add, assign, list)
	return cmd
}

// ------------------ Users ------------------

func (a *app) userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage accounts"}
	cmd.AddCommand(a.userAddCmd(), a.userListCmd(), a.userActiveCmd("activate", true), a.userActiveCmd("deactivate", false), a.userPasswordCmd())
	return cmd
}

func (a *app) userAddCmd() *cobra.Command {
	var (
		role, name, email string

		department, staffID string
		adminLevel          int

		institution, field, academicLevel string
		topics                            []string

		address, phone, membership, expires string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a user (the first user of an empty library must be a librarian)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var actor *library.User
			if a.session != nil || a.flags.as != "" {
				var err error
				if actor, err = a.actor(cmd.Context()); err != nil {
					return err
				}
			}

			r, err := library.ParseRole(role)
			if err != nil {
				return err
			}
			u := library.NewUser(r, name, email)
			switch r {
			case library.RoleLibrarian:
				u.Librarian.Department = department
				u.Librarian.StaffID = staffID
				u.Librarian.AdminLevel = adminLevel
			case library.RoleScholar:
				u.Scholar.Institution = institution
				u.Scholar.Field = field
				u.Scholar.AcademicLevel = academicLevel
				u.Scholar.ResearchTopics = topics
			case library.RoleGuest:
				u.Guest.Address = address
				u.Guest.Phone = phone
				u.Guest.MembershipType = membership
				if expires != "" {
					t, err := time.Parse(time.DateOnly, expires)
					if err != nil {
						return fmt.Errorf("invalid --expires date %q, want YYYY-MM-DD", expires)
					}
					// Membership runs through the whole expiry day.
					t = t.Add(24*time.Hour - time.Second)
					u.Guest.MembershipExpiry = &t
				}
			}

			password, err := a.readPassword(fmt.Sprintf("Enter password for %s: ", name))
			if err != nil {
				return fmt.Errorf("error reading password: %w", err)
			}
			id, err := a.mgr.RegisterUser(cmd.Context(), actor, u, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Added %s '%s' with ID %d\n", strings.ToLower(string(r)), name, id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&role, "role", string(library.RoleGuest), "librarian, scholar or guest")
	f.StringVar(&name, "name", "", "full name")
	f.StringVar(&email, "email", "", "email address (login)")
	f.StringVar(&department, "department", "", "department (librarians)")
	f.StringVar(&staffID, "staff-id", "", "staff ID (librarians)")
	f.IntVar(&adminLevel, "admin-level", 1, "admin level 1-3 (librarians)")
	f.StringVar(&institution, "institution", "", "institution (scholars)")
	f.StringVar(&field, "field", "", "field of study (scholars)")
	f.StringVar(&academicLevel, "academic-level", library.AcademicGeneral, "General, Graduate, Professor or Distinguished (scholars)")
	f.StringSliceVar(&topics, "topic", nil, "research topic (scholars, repeatable)")
	f.StringVar(&address, "address", "", "address (guests)")
	f.StringVar(&phone, "phone", "", "phone (guests)")
	f.StringVar(&membership, "membership", library.MembershipStandard, "Standard or Premium (guests)")
	f.StringVar(&expires, "expires", "", "membership expiry YYYY-MM-DD (guests)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (a *app) userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			users, err := a.mgr.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			if len(users) == 0 {
				fmt.Fprintln(a.out, "No users registered.")
				return nil
			}
			fmt.Fprintf(a.out, "%-5s %-25s %-30s %-10s %-7s\n", "ID", "Name", "Email", "Role", "Active")
			fmt.Fprintln(a.out, strings.Repeat("-", 80))
			for _, u := range users {
				fmt.Fprintf(a.out, "%-5d %-25s %-30s %-10s %-7t\n", u.ID, library.Truncate(u.Name, 25), library.Truncate(u.Email, 30), u.Role, u.Active)
			}
			return nil
		},
	}
}

func (a *app) userActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " USER_ID",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0], "user")
			if err != nil {
				return err
			}
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.mgr.SetUserActive(cmd.Context(), actor, userID, active); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "User %d %sd\n", userID, use)
			return nil
		},
	}
}

func (a *app) userPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "password [USER_ID]",
		Short: "Reset a password (your own when USER_ID is omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			userID := actor.ID
			if len(args) == 1 {
				if userID, err = parseID(args[0], "user"); err != nil {
					return err
				}
			}
			password, err := a.readPassword(fmt.Sprintf("Enter new password for user %d: ", userID))
			if err != nil {
				return fmt.Errorf("error reading password: %w", err)
			}
			if err := a.mgr.ResetPassword(cmd.Context(), actor, userID, password); err != nil {
				return fmt.Errorf("error resetting password: %w", err)
			}
			fmt.Fprintf(a.out, "Password successfully reset for user %d\n", userID)
			return nil
		},
	}
}

// ------------------ Circulation ------------------

func (a *app) checkoutCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "checkout BOOK_ID",
		Short: "Borrow a book (librarians may pass --user to lend to someone else)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID(args[0], "book")
			if err != nil {
				return err
			}
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			borrower := actor.ID
			if userID != 0 {
				borrower = userID
			}
			rec, err := a.mgr.Checkout(cmd.Context(), actor, bookID, borrower)
			if err != nil {
				return fmt.Errorf("error checking out book: %w", err)
			}
			book, err := a.mgr.GetBook(cmd.Context(), bookID)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Book '%s' checked out to user %d (record %d), due %s\n",
				book.Title, borrower, rec.ID, rec.DueDate.Format(time.DateOnly))
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "borrower user ID (librarians only)")
	return cmd
}

func (a *app) returnCmd() *cobra.Command {
	var changed bool
	cmd := &cobra.Command{
		Use:   "return RECORD_ID",
		Short: "Return a borrowed book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recordID, err := parseID(args[0], "record")
			if err != nil {
				return err
			}
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			rec, out, err := a.mgr.Return(cmd.Context(), actor, recordID, changed)
			if err != nil {
				return fmt.Errorf("error returning book: %w", err)
			}
			fmt.Fprintf(a.out, "Record %d returned; book %d is now %s\n", rec.ID, rec.BookID, out.Condition)
			if out.LateFee > 0 {
				fmt.Fprintf(a.out, "Returned %d day(s) late: fee %s\n", out.DaysOverdue, library.FormatFee(out.LateFee))
			}
			if out.DamageFee > 0 {
				fmt.Fprintf(a.out, "Damage fee: %s\n", library.FormatFee(out.DamageFee))
			}
			if out.ReplacementFee > 0 {
				fmt.Fprintf(a.out, "Replacement fee: %s\n", library.FormatFee(out.ReplacementFee))
			}
			if total := out.TotalFee(); total > 0 {
				fmt.Fprintf(a.out, "Total due: %s\n", library.FormatFee(total))
			}
			if out.NeedsRestoration {
				fmt.Fprintln(a.out, "The book needs restoration.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&changed, "condition-changed", false, "the book came back in worse condition")
	return cmd
}

func (a *app) renewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "renew RECORD_ID",
		Short: "Extend a loan by one loan period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recordID, err := parseID(args[0], "record")
			if err != nil {
				return err
			}
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := a.mgr.Renew(cmd.Context(), actor, recordID)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Record %d renewed (%d so far), now due %s\n", rec.ID, rec.RenewalCount, rec.DueDate.Format(time.DateOnly))
			return nil
		},
	}
}

func (a *app) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore BOOK_ID",
		Short: "Send a book to restoration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID(args[0], "book")
			if err != nil {
				return err
			}
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			b, err := a.mgr.Restore(cmd.Context(), actor, bookID)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "'%s' sent to restoration\n", b.Title)
			return nil
		},
	}
}

func (a *app) restorationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "restoration", Short: "Restoration workflow"}

	var condition string
	complete := &cobra.Command{
		Use:   "complete BOOK_ID",
		Short: "Return a restored book to circulation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID(args[0], "book")
			if err != nil {
				return err
			}
			c, err := library.ParseCondition(condition)
			if err != nil {
				return err
			}
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			b, err := a.mgr.CompleteRestoration(cmd.Context(), actor, bookID, c)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "'%s' restored to %s, now %s\n", b.Title, b.Condition, b.Status)
			return nil
		},
	}
	complete.Flags().StringVar(&condition, "condition", library.ConditionGood.String(), "condition after restoration")
	cmd.AddCommand(complete)
	return cmd
}

func (a *app) lostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lost RECORD_ID",
		Short: "Report the copy on a loan as lost",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recordID, err := parseID(args[0], "record")
			if err != nil {
				return err
			}
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			rec, out, err := a.mgr.ReportLost(cmd.Context(), actor, recordID)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Record %d closed as LOST; one copy of book %d written off\n", rec.ID, rec.BookID)
			fmt.Fprintf(a.out, "Replacement fee: %s\n", library.FormatFee(out.ReplacementFee))
			if out.LateFee > 0 {
				fmt.Fprintf(a.out, "Late fee (%d day(s)): %s\n", out.DaysOverdue, library.FormatFee(out.LateFee))
			}
			fmt.Fprintf(a.out, "Total due: %s\n", library.FormatFee(out.TotalFee()))
			return nil
		},
	}
}

func (a *app) overdueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "List loans past their due date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := a.mgr.OverdueRecords(cmd.Context())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(a.out, "No overdue loans.")
				return nil
			}
			return a.printRecords(cmd.Context(), records)
		},
	}
}

func (a *app) loansCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "loans",
		Short: "Show your loans (librarians may pass --user)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			target := actor.ID
			if userID != 0 && userID != actor.ID {
				if actor.Role != library.RoleLibrarian {
					return fmt.Errorf("%w: only librarians can view other users' loans", library.ErrPermissionDenied)
				}
				target = userID
			}
			records, err := a.mgr.UserRecords(cmd.Context(), target)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(a.out, "No loans.")
				return nil
			}
			return a.printRecords(cmd.Context(), records)
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user ID (librarians only)")
	return cmd
}

// printRecords lists loans with their fees. Active loans show the late fee accrued so
// far, marked with "~" because it is only fixed on return.
func (a *app) printRecords(ctx context.Context, records []*library.LendingRecord) error {
	books, err := a.mgr.ListBooks(ctx)
	if err != nil {
		return err
	}
	byID := make(map[int64]*library.Book, len(books))
	for _, b := range books {
		byID[b.ID] = b
	}

	now := a.mgr.Now()
	fmt.Fprintf(a.out, "%-6s %-6s %-6s %-11s %-11s %-9s %-8s %s\n", "Record", "Book", "User", "Checkout", "Due", "Status", "Renewed", "Fees")
	fmt.Fprintln(a.out, strings.Repeat("-", 75))
	for _, r := range records {
		fee := library.FormatFee(r.TotalFees())
		if b, ok := byID[r.BookID]; ok && r.Status == library.LendingActive {
			fee = "~" + library.FormatFee(a.mgr.Engine().AccruedLateFee(r, b, now))
		}
		fmt.Fprintf(a.out, "%-6d %-6d %-6d %-11s %-11s %-9s %-8d %s\n",
			r.ID, r.BookID, r.UserID,
			r.CheckoutDate.Format(time.DateOnly), r.DueDate.Format(time.DateOnly),
			r.EffectiveStatus(now), r.RenewalCount, fee)
	}
	return nil
}

// ------------------ Recommendations ------------------

func (a *app) recommendCmd() *cobra.Command {
	var (
		userID int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Suggest books from your reading history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			target := actor.ID
			if userID != 0 && userID != actor.ID {
				if actor.Role != library.RoleLibrarian {
					return fmt.Errorf("%w: only librarians can view other users' recommendations", library.ErrPermissionDenied)
				}
				target = userID
			}
			books, err := a.mgr.Recommend(cmd.Context(), target, limit)
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Fprintln(a.out, "No recommendations yet.")
				return nil
			}
			a.printBooks(books)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "recommend for another user")
	cmd.Flags().IntVar(&limit, "limit", 5, "maximum number of books (0 for all)")
	return cmd
}

// ------------------ Undo ------------------

func (a *app) undoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "Undo the most recent operation of this session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := a.actor(cmd.Context())
			if err != nil {
				return err
			}
			op, err := a.mgr.Undo(cmd.Context(), actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Undid %s on book %d\n", op.Kind, op.BookID)
			return nil
		},
	}
}

// ------------------ Snapshots ------------------

func (a *app) exportCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the whole library as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" || path == "-" {
				return a.mgr.Export(cmd.Context(), a.out)
			}
			f, err := os.Create(filepath.Clean(path))
			if err != nil {
				return err
			}
			if err := a.mgr.Export(cmd.Context(), f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Exported library to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "out", "o", "", "output file (default stdout)")
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Replace the whole library with a JSON export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var actor *library.User
			if a.session != nil || a.flags.as != "" {
				var err error
				if actor, err = a.actor(cmd.Context()); err != nil {
					return err
				}
			}
			f, err := os.Open(filepath.Clean(args[0]))
			if err != nil {
				return err
			}
			defer f.Close()
			snap, err := a.mgr.Import(cmd.Context(), actor, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Imported %d books, %d users, %d sections, %d lending records\n",
				len(snap.Books), len(snap.Users), len(snap.Sections), len(snap.LendingRecords))
			return nil
		},
	}
}
