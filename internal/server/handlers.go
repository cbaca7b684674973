package server

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/bryan-buckman/prismfeeder/internal/apperr"
	"github.com/bryan-buckman/prismfeeder/internal/model"
	"github.com/bryan-buckman/prismfeeder/internal/service"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Feeds ---

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	categoryID, err := queryID(r, "category_id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	feeds, err := s.svc.ListFeeds(r.Context(), userID(r), service.FeedQuery{
		Status:     model.FeedStatus(r.URL.Query().Get("status")),
		CategoryID: categoryID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, feeds)
}

func (s *Server) handleDueFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.svc.DueFeeds(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, feeds)
}

func (s *Server) handleCreateFeed(w http.ResponseWriter, r *http.Request) {
	var req service.NewFeed
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.svc.CreateFeed(r.Context(), userID(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/feeds/%d", f.ID))
	s.ok(w, http.StatusCreated, f)
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "feedID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.svc.GetFeed(r.Context(), userID(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, f)
}

func (s *Server) handleUpdateFeed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "feedID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Title          *string               `json:"title"`
		FetchInterval  *int                  `json:"fetch_interval"`
		CategoryID     optionalID            `json:"category_id"`
		ScrapingConfig *model.ScrapingConfig `json:"scraping_config"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	up := service.FeedUpdate{
		Title:          req.Title,
		FetchInterval:  req.FetchInterval,
		ScrapingConfig: req.ScrapingConfig,
	}
	if req.CategoryID.Set {
		up.CategoryID = req.CategoryID.ID
		up.ClearCategory = req.CategoryID.ID == nil
	}
	f, err := s.svc.UpdateFeed(r.Context(), userID(r), id, up)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, f)
}

func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "feedID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.DeleteFeed(r.Context(), userID(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseFeed(w http.ResponseWriter, r *http.Request) {
	s.feedStatus(w, r, s.svc.PauseFeed)
}

func (s *Server) handleResumeFeed(w http.ResponseWriter, r *http.Request) {
	s.feedStatus(w, r, s.svc.ResumeFeed)
}

func (s *Server) feedStatus(w http.ResponseWriter, r *http.Request, set func(ctx context.Context, userID string, id int64) (model.Feed, error)) {
	id, err := pathID(r, "feedID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := set(r.Context(), userID(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, f)
}

func (s *Server) handleRefreshFeed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "feedID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.RefreshFeed(r.Context(), userID(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, res)
}

// --- Categories ---

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.svc.ListCategories(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, cats)
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req service.CategoryInput
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.svc.CreateCategory(r.Context(), userID(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusCreated, c)
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "categoryID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req service.CategoryInput
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.svc.UpdateCategory(r.Context(), userID(r), id, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "categoryID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.DeleteCategory(r.Context(), userID(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Entries ---

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	q := service.EntryQuery{Status: model.EntryStatus(r.URL.Query().Get("status"))}
	var err error
	if q.FeedID, err = queryID(r, "feed_id"); err != nil {
		s.fail(w, r, err)
		return
	}
	if q.CategoryID, err = queryID(r, "category_id"); err != nil {
		s.fail(w, r, err)
		return
	}
	if q.Limit, err = queryInt(r, "limit"); err != nil {
		s.fail(w, r, err)
		return
	}
	if q.Offset, err = queryInt(r, "offset"); err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.svc.ListEntries(r.Context(), userID(r), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writePage(w, page)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "entryID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	e, err := s.svc.GetEntry(r.Context(), userID(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, e)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "entryID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Status model.EntryStatus `json:"status"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	e, err := s.svc.SetEntryStatus(r.Context(), userID(r), id, req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, e)
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntryIDs []int64           `json:"entry_ids"`
		Status   model.EntryStatus `json:"status"`
	}
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.SetEntriesStatus(r.Context(), userID(r), req.EntryIDs, req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, res)
}

// --- Dashboard ---

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := s.svc.Overview(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, ov)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jobs, err := s.svc.Jobs(r.Context(), userID(r), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, jobs)
}

// --- OPML ---

// handleImportOPML accepts the document either as the "opml" field of a
// multipart form or as the raw request body.
func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var src io.Reader = r.Body
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		file, _, err := r.FormFile("opml")
		if err != nil {
			s.fail(w, r, apperr.Validation("no OPML file provided").WithDetail("field", "opml"))
			return
		}
		defer file.Close()
		src = file
	}
	res, err := s.svc.ImportOPML(r.Context(), userID(r), src)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, res)
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	data, err := s.svc.ExportOPML(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=prismfeeder-%s.opml", time.Now().UTC().Format("20060102")))
	_, _ = w.Write(data)
}
