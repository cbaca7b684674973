package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScope(t *testing.T) {
	tests := []struct {
		in      string
		want    Scope
		wantErr bool
	}{
		{in: "", want: AllScope},
		{in: "all", want: AllScope},
		{in: "feed:12", want: Scope{Kind: ScopeFeed, ID: 12}},
		{in: "category:3", want: Scope{Kind: ScopeCategory, ID: 3}},
		{in: "feed", wantErr: true},
		{in: "feed:abc", wantErr: true},
		{in: "feed:0", wantErr: true},
		{in: "folder:1", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseScope(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Scope {
	t.Helper()
	sc, err := ParseScope(s)
	require.NoError(t, err)
	return sc
}

func TestScopeMatches(t *testing.T) {
	cat := int64(7)
	e := NewEvent(EventFeedUpdated, "u1", 3, &cat, FeedUpdated{FeedID: 3, NewEntries: 1})

	assert.True(t, AllScope.Matches("u1", e))
	assert.False(t, AllScope.Matches("u2", e), "events never cross users")
	assert.True(t, Scope{Kind: ScopeFeed, ID: 3}.Matches("u1", e))
	assert.False(t, Scope{Kind: ScopeFeed, ID: 4}.Matches("u1", e))
	assert.True(t, Scope{Kind: ScopeCategory, ID: 7}.Matches("u1", e))

	uncategorized := NewEvent(EventFeedUpdated, "u1", 3, nil, FeedUpdated{FeedID: 3})
	assert.False(t, Scope{Kind: ScopeCategory, ID: 7}.Matches("u1", uncategorized))
}

func TestAffectsUnread(t *testing.T) {
	assert.True(t, NewEvent(EventFeedUpdated, "u", 1, nil, FeedUpdated{NewEntries: 2}).AffectsUnread())
	assert.False(t, NewEvent(EventFeedUpdated, "u", 1, nil, FeedUpdated{UpdatedEntries: 2}).AffectsUnread())

	read := EntryStatusChanged{OldStatus: StatusUnread, NewStatus: StatusRead}
	assert.True(t, NewEvent(EventEntryStatusChanged, "u", 1, nil, read).AffectsUnread())

	starToArchive := EntryStatusChanged{OldStatus: StatusStarred, NewStatus: StatusArchived}
	assert.False(t, NewEvent(EventEntryStatusChanged, "u", 1, nil, starToArchive).AffectsUnread())

	assert.False(t, NewEvent(EventFeedError, "u", 1, nil, FeedErrorData{}).AffectsUnread())
}

func TestEventDecode(t *testing.T) {
	e := NewEvent(EventFeedStatusChanged, "u", 9, nil, FeedStatusChanged{FeedID: 9, OldStatus: FeedActive, NewStatus: FeedError})
	var p FeedStatusChanged
	require.NoError(t, e.Decode(&p))
	assert.Equal(t, FeedError, p.NewStatus)
	assert.False(t, e.CreatedAt.IsZero())
}
