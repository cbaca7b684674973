package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/prismfeeder/internal/model"
)

func article(guid, title string) model.RawArticle {
	return model.RawArticle{GUID: guid, Title: title, URL: "https://example.com/" + guid, Content: "body of " + title}
}

func stored(articles ...model.RawArticle) map[string]string {
	m := make(map[string]string, len(articles))
	for _, a := range articles {
		m[a.GUID] = ContentHash(a)
	}
	return m
}

func TestMerge_TwoKnownOneNew(t *testing.T) {
	a, b, c := article("a", "A"), article("b", "B"), article("c", "C")
	m := New(LastWins)

	res, err := m.Merge(1, stored(a, b), []model.RawArticle{a, b, c})
	require.NoError(t, err)
	require.Len(t, res.New, 1)
	assert.Equal(t, "c", res.New[0].GUID)
	assert.Empty(t, res.Updated)
	assert.Equal(t, 2, res.UnchangedCount)
	assert.Len(t, res.NewHashes, 1)
}

func TestMerge_Idempotent(t *testing.T) {
	batch := []model.RawArticle{article("1", "one"), article("2", "two"), article("3", "three")}
	m := New(LastWins)

	first, err := m.Merge(7, map[string]string{}, batch)
	require.NoError(t, err)
	require.Len(t, first.New, 3)

	existing := map[string]string{}
	for i, a := range first.New {
		existing[a.GUID] = first.NewHashes[i]
	}
	second, err := m.Merge(7, existing, batch)
	require.NoError(t, err)
	assert.Empty(t, second.New)
	assert.Empty(t, second.Updated)
	assert.Equal(t, 3, second.UnchangedCount)
}

func TestMerge_TimestampJitterIsNotAnUpdate(t *testing.T) {
	a := article("x", "X")
	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a.PublishedAt = &t1
	existing := stored(a)

	jittered := a
	t2 := t1.Add(3 * time.Second)
	jittered.PublishedAt = &t2

	res, err := New(LastWins).Merge(1, existing, []model.RawArticle{jittered})
	require.NoError(t, err)
	assert.Empty(t, res.Updated)
	assert.Equal(t, 1, res.UnchangedCount)
}

func TestMerge_ContentChangeIsAnUpdate(t *testing.T) {
	a := article("x", "X")
	existing := stored(a)

	edited := a
	edited.Content = "corrected body"
	res, err := New(LastWins).Merge(1, existing, []model.RawArticle{edited})
	require.NoError(t, err)
	require.Len(t, res.Updated, 1)
	assert.Equal(t, "x", res.Updated[0].GUID)
	assert.Equal(t, ContentHash(edited), res.Updated[0].Hash)
	assert.Empty(t, res.New)
}

func TestMerge_ArrivalOrderPreserved(t *testing.T) {
	late := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	early := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	a, b := article("a", "A"), article("b", "B")
	a.PublishedAt = &early
	b.PublishedAt = &late

	res, err := New(LastWins).Merge(1, nil, []model.RawArticle{a, b})
	require.NoError(t, err)
	require.Len(t, res.New, 2)
	assert.Equal(t, "a", res.New[0].GUID)
	assert.Equal(t, "b", res.New[1].GUID)
}

func TestMerge_DuplicatePolicies(t *testing.T) {
	first := article("dup", "first title")
	other := article("z", "Z")
	last := article("dup", "last title")
	batch := []model.RawArticle{first, other, last}

	res, err := New(LastWins).Merge(1, nil, batch)
	require.NoError(t, err)
	require.Len(t, res.New, 2)
	assert.Equal(t, "last title", res.New[0].Title, "last occurrence wins, at the first position")
	assert.Equal(t, "z", res.New[1].GUID)
	assert.Equal(t, 1, res.Duplicates)

	res, err = New(FirstWins).Merge(1, nil, batch)
	require.NoError(t, err)
	require.Len(t, res.New, 2)
	assert.Equal(t, "first title", res.New[0].Title)
}

func TestMerge_SkipsMalformed(t *testing.T) {
	batch := []model.RawArticle{
		{GUID: "", Title: "no guid"},
		{GUID: "g", Title: "", URL: ""},
		article("ok", "OK"),
	}
	res, err := New(LastWins).Merge(1, nil, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Len(t, res.New, 1)
}

func TestMerge_AllMalformedFailsBatch(t *testing.T) {
	_, err := New(LastWins).Merge(1, nil, []model.RawArticle{{GUID: " "}, {Title: "x"}})
	require.ErrorIs(t, err, ErrNoValidArticles)

	res, err := New(LastWins).Merge(1, nil, nil)
	require.NoError(t, err, "an empty batch is not a failure")
	assert.Empty(t, res.New)
}

func TestScrapedGUID(t *testing.T) {
	g1 := ScrapedGUID("Title", "https://example.com/a")
	assert.Equal(t, g1, ScrapedGUID(" Title ", "https://example.com/a"))
	assert.NotEqual(t, g1, ScrapedGUID("Title (updated)", "https://example.com/a"))
	assert.Len(t, g1, 64)
}

func TestParseDuplicatePolicy(t *testing.T) {
	assert.Equal(t, FirstWins, ParseDuplicatePolicy("first_wins"))
	assert.Equal(t, LastWins, ParseDuplicatePolicy("last_wins"))
	assert.Equal(t, LastWins, ParseDuplicatePolicy("bogus"))
	assert.Equal(t, "first_wins", FirstWins.String())
}
