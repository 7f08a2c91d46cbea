package library

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func generalBook(id int64, title, author, genre string) *Book {
	b := NewBook(KindGeneral, title, author, 2000, 1)
	b.ID = id
	b.General.Genre = genre
	return b
}

func closedLoan(bookID int64) *LendingRecord {
	return &LendingRecord{BookID: bookID, Status: LendingReturned}
}

func collect(in RecommendationInput) []int64 {
	var ids []int64
	for b := range Recommend(in) {
		ids = append(ids, b.ID)
	}
	return ids
}

func Test_Recommend_RanksByAuthorThenGenre_AndSkipsHeldBooks(t *testing.T) {
	books := []*Book{
		generalBook(1, "Animal Farm", "Orwell", "Satire"),
		generalBook(2, "1984", "Orwell", "Dystopian"),
		generalBook(3, "Brave New World", "Huxley", "Dystopian"),
		generalBook(4, "Cookbook", "Chef", "Food"),
		generalBook(5, "Homage to Catalonia", "Orwell", "Memoir"),
	}
	in := RecommendationInput{
		Role:  RoleGuest,
		Books: books,
		History: []*LendingRecord{
			closedLoan(2),
			{BookID: 5, Status: LendingActive},
		},
	}

	ids := collect(in)

	// 2 matches author and genre, 1 the author, 3 the genre, 4 nothing. 5 is held.
	assert.Equal(t, []int64{2, 1, 3, 4}, ids)
}

func Test_Recommend_IsRestartable(t *testing.T) {
	in := RecommendationInput{
		Role:    RoleScholar,
		Books:   []*Book{generalBook(1, "A", "X", "g"), generalBook(2, "B", "Y", "g")},
		History: []*LendingRecord{closedLoan(1)},
	}
	seq := Recommend(in)

	var first, second []int64
	for b := range seq {
		first = append(first, b.ID)
	}
	for b := range seq {
		second = append(second, b.ID)
	}

	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func Test_Recommend_StopsEarly_WhenConsumerBreaks(t *testing.T) {
	books := make([]*Book, 0, 10)
	for i := int64(1); i <= 10; i++ {
		books = append(books, generalBook(i, string(rune('A'+i)), "Same", "g"))
	}
	var got []*Book
	for b := range Recommend(RecommendationInput{Role: RoleGuest, Books: books}) {
		got = append(got, b)
		if len(got) == 3 {
			break
		}
	}
	assert.Len(t, got, 3)
}

func Test_Recommend_BoostsRareAndAncient_ForScholars(t *testing.T) {
	rare := NewBook(KindRare, "Folio", "Shakespeare", 1623, 1)
	rare.ID = 1
	ancient := NewBook(KindAncient, "Scroll", "Unknown", -300, 1)
	ancient.ID = 2
	books := []*Book{generalBook(3, "Novel", "Someone", "Fiction"), rare, ancient}

	scholar := collect(RecommendationInput{Role: RoleScholar, Books: books})
	guest := collect(RecommendationInput{Role: RoleGuest, Books: books})

	assert.Equal(t, []int64{1, 2, 3}, scholar)
	assert.Equal(t, int64(3), guest[0])
}

func Test_Recommend_FallsBackToPopularity_WithoutHistory(t *testing.T) {
	books := []*Book{
		generalBook(1, "A", "X", "g"),
		generalBook(2, "B", "Y", "g"),
		generalBook(3, "C", "Z", "g"),
	}
	lost := generalBook(4, "D", "W", "g")
	lost.Status = StatusLost
	books = append(books, lost)

	ids := collect(RecommendationInput{
		Role:       RoleGuest,
		Books:      books,
		Popularity: map[int64]int{3: 10, 2: 4, 4: 99},
	})

	assert.Equal(t, []int64{3, 2, 1}, ids)
	assert.False(t, slices.Contains(ids, int64(4)))
}
