package library

import (
	"cmp"
	"iter"
	"slices"
)

const (
	authorMatchWeight = 4
	genreMatchWeight  = 3
	generalBoost      = 1
	rareBoost         = 2
)

// RecommendationInput is everything the filter reads; nothing is fetched lazily.
type RecommendationInput struct {
	Role Role
	// History holds the user's lending records. Closed records feed the author and
	// genre frequencies; ACTIVE ones exclude their book from the results.
	History []*LendingRecord
	// Books is the catalogue to choose from. History entries are resolved against it.
	Books []*Book
	// Popularity is the number of loans per book id, used to rank when the user has no
	// closed loans yet.
	Popularity map[int64]int
}

type scoredBook struct {
	book  *Book
	score int
}

// Recommend yields candidate books ranked by how often their author and genre appear
// in the user's past loans, plus a role-specific boost. The sequence is finite and can
// be ranged over more than once.
func Recommend(in RecommendationInput) iter.Seq[*Book] {
	return func(yield func(*Book) bool) {
		for _, c := range rankCandidates(in) {
			if !yield(c.book) {
				return
			}
		}
	}
}

func rankCandidates(in RecommendationInput) []scoredBook {
	byID := make(map[int64]*Book, len(in.Books))
	for _, b := range in.Books {
		byID[b.ID] = b
	}

	held := make(map[int64]bool)
	authors := make(map[string]int)
	genres := make(map[string]int)
	closed := 0
	for _, rec := range in.History {
		if rec.Status == LendingActive {
			held[rec.BookID] = true
			continue
		}
		b, ok := byID[rec.BookID]
		if !ok {
			continue
		}
		closed++
		authors[b.Author]++
		if g := b.Genre(); g != "" {
			genres[g]++
		}
	}

	candidates := make([]scoredBook, 0, len(in.Books))
	for _, b := range in.Books {
		if held[b.ID] || b.Status == StatusLost {
			continue
		}
		score := roleBoost(in.Role, b.Kind)
		if closed > 0 {
			score += authors[b.Author]*authorMatchWeight + genres[b.Genre()]*genreMatchWeight
		} else {
			score += in.Popularity[b.ID]
		}
		candidates = append(candidates, scoredBook{book: b, score: score})
	}

	slices.SortStableFunc(candidates, func(a, b scoredBook) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.book.Title, b.book.Title); c != 0 {
			return c
		}
		return cmp.Compare(a.book.ID, b.book.ID)
	})
	return candidates
}

func roleBoost(role Role, kind BookKind) int {
	switch {
	case kind == KindGeneral:
		return generalBoost
	case role == RoleScholar && (kind == KindRare || kind == KindAncient):
		return rareBoost
	case role == RoleLibrarian && kind == KindRare:
		return rareBoost
	default:
		return 0
	}
}
