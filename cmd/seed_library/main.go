package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"enchanted-library/library"
)

// seedPassword is shared by every seeded account.
const seedPassword = "enchanted"

type seedBook struct {
	kind     library.BookKind
	title    string
	author   string
	year     int
	quantity int
	section  string
	fill     func(*library.Book)
}

var seedSections = []*library.Section{
	{Name: "Main Hall", Description: "General circulation", AccessLevel: 0},
	{Name: "Rare Collection", Description: "Valuable and fragile editions", AccessLevel: 1},
	{Name: "Ancient Archive", Description: "Manuscripts and scrolls", AccessLevel: 2},
}

var seedBooks = []seedBook{
	{library.KindGeneral, "1984", "George Orwell", 1949, 3, "Main Hall", func(b *library.Book) {
		b.General.Genre = "Dystopian"
	}},
	{library.KindGeneral, "Animal Farm", "George Orwell", 1945, 2, "Main Hall", func(b *library.Book) {
		b.General.Genre = "Satire"
	}},
	{library.KindGeneral, "The Fellowship of the Ring", "J.R.R. Tolkien", 1954, 4, "Main Hall", func(b *library.Book) {
		b.General.Genre = "Fantasy"
		b.General.Bestseller = true
	}},
	{library.KindGeneral, "The Two Towers", "J.R.R. Tolkien", 1954, 2, "Main Hall", func(b *library.Book) {
		b.General.Genre = "Fantasy"
	}},
	{library.KindGeneral, "The Three Musketeers", "Alexandre Dumas", 1844, 1, "Main Hall", func(b *library.Book) {
		b.General.Genre = "Adventure"
	}},
	{library.KindRare, "First Folio", "William Shakespeare", 1623, 1, "Rare Collection", func(b *library.Book) {
		b.Rare.EstimatedValue = 9_000_000
		b.Rare.RarityLevel = 10
		b.Rare.HandlingNotes = "Cotton gloves, cradle support"
	}},
	{library.KindRare, "Les Trois Mousquetaires (first edition)", "Alexandre Dumas", 1844, 1, "Rare Collection", func(b *library.Book) {
		b.Rare.EstimatedValue = 25_000
		b.Rare.RarityLevel = 4
	}},
	{library.KindAncient, "The Art of War", "Sun Tzu", -500, 1, "Ancient Archive", func(b *library.Book) {
		b.Ancient.Origin = "China"
		b.Ancient.Language = "Classical Chinese"
		b.Ancient.TranslationAvailable = true
		b.Ancient.PreservationNotes = "Humidity below 45%"
	}},
}

func main() {
	ctx := context.Background()

	cfg, err := library.LoadConfig(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if !strings.HasPrefix(cfg.DatabaseURL, "postgres") {
		// Clean up any existing database files
		fmt.Println("Cleaning up existing database files...")
		path := strings.TrimPrefix(cfg.DatabaseURL, "sqlite://")
		for _, file := range []string{path, path + "-shm", path + "-wal"} {
			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				fmt.Printf("Warning: Could not remove %s: %v\n", file, err)
			}
		}
		fmt.Println("Database cleanup complete.")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	manager, err := library.NewLibraryManager(cfg.DatabaseURL, library.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating database: %v\n", err)
		os.Exit(1)
	}
	defer manager.Close()

	if err := seed(ctx, manager); err != nil {
		fmt.Fprintf(os.Stderr, "Error seeding library: %v\n", err)
		manager.Close()
		os.Exit(1)
	}

	books, err := manager.ListBooks(ctx)
	if err != nil {
		fmt.Printf("Error retrieving books: %v\n", err)
		return
	}
	fmt.Println("\nSeeded books:")
	fmt.Printf("%-3s %-8s %-42s %-22s\n", "ID", "Type", "Title", "Author")
	fmt.Println(strings.Repeat("-", 78))
	for _, book := range books {
		fmt.Printf("%-3d %-8s %-42s %-22s\n", book.ID, book.Kind, library.Truncate(book.Title, 42), library.Truncate(book.Author, 22))
	}
	fmt.Printf("\nEvery seeded account uses the password %q.\n", seedPassword)
}

func seed(ctx context.Context, manager *library.LibraryManager) error {
	head := library.NewUser(library.RoleLibrarian, "Head Librarian", "librarian@library.test")
	head.Librarian.Department = "Circulation"
	head.Librarian.StaffID = "L-001"
	head.Librarian.AdminLevel = 3
	if _, err := manager.RegisterUser(ctx, nil, head, seedPassword); err != nil {
		return fmt.Errorf("bootstrap librarian: %w", err)
	}
	fmt.Printf("Registered %s\n", head)

	scholar := library.NewUser(library.RoleScholar, "Ada Scholar", "scholar@library.test")
	scholar.Scholar.Institution = "University of Letters"
	scholar.Scholar.Field = "History"
	scholar.Scholar.AcademicLevel = library.AcademicProfessor
	scholar.Scholar.ResearchTopics = []string{"Renaissance", "Military strategy"}

	expiry := manager.Now().AddDate(1, 0, 0)
	guest := library.NewUser(library.RoleGuest, "Gus Guest", "guest@library.test")
	guest.Guest.MembershipType = library.MembershipStandard
	guest.Guest.MembershipExpiry = &expiry

	for _, u := range []*library.User{scholar, guest} {
		if _, err := manager.RegisterUser(ctx, head, u, seedPassword); err != nil {
			return fmt.Errorf("register %s: %w", u.Email, err)
		}
		fmt.Printf("Registered %s\n", u)
	}

	sectionIDs := make(map[string]int64, len(seedSections))
	for _, s := range seedSections {
		id, err := manager.AddSection(ctx, head, s)
		if err != nil {
			return fmt.Errorf("add section %s: %w", s.Name, err)
		}
		sectionIDs[s.Name] = id
	}

	successCount, errorCount := 0, 0
	for _, sb := range seedBooks {
		fmt.Printf("Adding: %s by %s... ", sb.title, sb.author)
		b := library.NewBook(sb.kind, sb.title, sb.author, sb.year, sb.quantity)
		b.AcquiredAt = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		b.SectionIDs = []int64{sectionIDs[sb.section]}
		if sb.fill != nil {
			sb.fill(b)
		}
		id, err := manager.AddBook(ctx, head, b)
		if err != nil {
			fmt.Printf("ERROR - %v\n", err)
			errorCount++
			continue
		}
		fmt.Printf("SUCCESS (ID: %d)\n", id)
		successCount++
	}

	fmt.Printf("\nSeed complete!\n")
	fmt.Printf("Successfully added: %d books\n", successCount)
	fmt.Printf("Errors: %d\n", errorCount)
	return nil
}
