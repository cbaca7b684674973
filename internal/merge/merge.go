// Package merge decides which fetched articles are new, changed or already
// stored for a feed.
package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/bryan-buckman/prismfeeder/internal/model"
)

// ErrNoValidArticles is returned when a non-empty batch had no article that
// survived validation.
var ErrNoValidArticles = errors.New("merge: no valid articles in batch")

// DuplicatePolicy decides which article wins when one batch carries the same
// guid more than once.
type DuplicatePolicy int

const (
	// LastWins keeps the last occurrence in the batch.
	LastWins DuplicatePolicy = iota
	// FirstWins keeps the first occurrence in the batch.
	FirstWins
)

func (p DuplicatePolicy) String() string {
	if p == FirstWins {
		return "first_wins"
	}
	return "last_wins"
}

// ParseDuplicatePolicy maps a config value to a policy. Unknown values fall
// back to LastWins.
func ParseDuplicatePolicy(s string) DuplicatePolicy {
	if strings.EqualFold(s, "first_wins") || strings.EqualFold(s, "first") {
		return FirstWins
	}
	return LastWins
}

// Update is a known guid whose content changed.
type Update struct {
	GUID    string
	Article model.RawArticle
	Hash    string
}

// Result is the outcome of merging one batch.
type Result struct {
	New            []model.RawArticle
	NewHashes      []string
	Updated        []Update
	UnchangedCount int
	Skipped        int
	Duplicates     int
}

// Merger merges fetched batches against the stored guids of a feed.
type Merger struct {
	policy DuplicatePolicy
}

// New creates a merger using the given duplicate policy.
func New(policy DuplicatePolicy) *Merger {
	return &Merger{policy: policy}
}

// Policy returns the duplicate policy in use.
func (m *Merger) Policy() DuplicatePolicy {
	return m.policy
}

// Merge partitions incoming by guid membership in existing, which maps each
// stored guid to its content hash. Known guids are reported as updated only
// when the content hash differs. New articles keep feed arrival order.
//
// Malformed articles are skipped and counted; ErrNoValidArticles is returned
// only when incoming was non-empty and nothing survived.
func (m *Merger) Merge(feedID int64, existing map[string]string, incoming []model.RawArticle) (Result, error) {
	var res Result

	order := make([]string, 0, len(incoming))
	byGUID := make(map[string]model.RawArticle, len(incoming))
	for _, a := range incoming {
		if !valid(a) {
			res.Skipped++
			continue
		}
		if _, seen := byGUID[a.GUID]; seen {
			res.Duplicates++
			if m.policy == LastWins {
				byGUID[a.GUID] = a
			}
			continue
		}
		byGUID[a.GUID] = a
		order = append(order, a.GUID)
	}

	if len(incoming) > 0 && len(order) == 0 {
		return res, fmt.Errorf("feed %d: %w", feedID, ErrNoValidArticles)
	}

	for _, guid := range order {
		a := byGUID[guid]
		hash := ContentHash(a)
		stored, known := existing[guid]
		switch {
		case !known:
			res.New = append(res.New, a)
			res.NewHashes = append(res.NewHashes, hash)
		case stored != hash:
			res.Updated = append(res.Updated, Update{GUID: guid, Article: a, Hash: hash})
		default:
			res.UnchangedCount++
		}
	}
	return res, nil
}

// ContentHash hashes the identity-relevant content of an article: title,
// content and author. Timestamps are excluded.
func ContentHash(a model.RawArticle) string {
	h := sha256.New()
	h.Write([]byte(a.Title))
	h.Write([]byte{0})
	h.Write([]byte(a.Content))
	h.Write([]byte{0})
	h.Write([]byte(a.Author))
	return hex.EncodeToString(h.Sum(nil))
}

// ScrapedGUID derives the identity of a scraped article from its title and
// url. Editing the title upstream changes the guid.
func ScrapedGUID(title, url string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(title) + "\n" + strings.TrimSpace(url)))
	return hex.EncodeToString(sum[:])
}

func valid(a model.RawArticle) bool {
	if strings.TrimSpace(a.GUID) == "" {
		return false
	}
	return strings.TrimSpace(a.Title) != "" || strings.TrimSpace(a.URL) != ""
}
