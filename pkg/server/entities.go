package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/elonfeng/ringrank/internal/store"
	"github.com/elonfeng/ringrank/pkg/logger"
)

const maxBodyBytes = 1 << 20

type createEntityRequest struct {
	Name     string       `json:"name"`
	Bio      string       `json:"bio"`
	PhotoURL string       `json:"photo_url"`
	Social   store.Social `json:"social"`
}

// updateEntityRequest only covers profile fields; metrics, score, rank and
// history are owned by the batch run.
type updateEntityRequest struct {
	Name     *string       `json:"name"`
	Bio      *string       `json:"bio"`
	PhotoURL *string       `json:"photo_url"`
	Social   *store.Social `json:"social"`
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOpts{Sort: q.Get("sort"), Query: q.Get("q")}

	switch opts.Sort {
	case "", store.SortRank, store.SortName, store.SortScore:
	default:
		writeError(w, http.StatusBadRequest, "Invalid sort, use rank, name or score")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}

	entities, err := s.store.List(r.Context(), opts)
	if err != nil {
		s.log.Error(r.Context(), "list entities failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch entities")
		return
	}
	if entities == nil {
		entities = []store.Entity{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    entities,
		"count":   len(entities),
	})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Entity not found")
		return
	}
	if err != nil {
		s.log.Error(r.Context(), "get entity failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch entity")
		return
	}
	writeData(w, http.StatusOK, e)
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var req createEntityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Bio = strings.TrimSpace(req.Bio)
	if req.Name == "" || req.Bio == "" {
		writeError(w, http.StatusBadRequest, "Name and bio are required")
		return
	}

	e := &store.Entity{
		Name:     req.Name,
		Bio:      req.Bio,
		PhotoURL: strings.TrimSpace(req.PhotoURL),
		Social:   cleanSocial(req.Social),
	}
	if err := s.store.Create(r.Context(), e); err != nil {
		s.log.Error(r.Context(), "create entity failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create entity")
		return
	}
	writeData(w, http.StatusCreated, e)
}

func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updateEntityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		writeError(w, http.StatusBadRequest, "Name cannot be empty")
		return
	}

	patch := store.Patch{Name: req.Name, Bio: req.Bio, PhotoURL: req.PhotoURL}
	if req.Social != nil {
		social := cleanSocial(*req.Social)
		patch.Social = &social
	}

	err := s.store.Update(r.Context(), id, patch)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Entity not found")
		return
	}
	if err != nil {
		s.log.Error(r.Context(), "update entity failed", logger.String("id", id), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to update entity")
		return
	}

	e, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch entity")
		return
	}
	writeData(w, http.StatusOK, e)
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	err := s.store.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Entity not found")
		return
	}
	if err != nil {
		s.log.Error(r.Context(), "delete entity failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to delete entity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Entity deleted successfully"})
}

func cleanSocial(s store.Social) store.Social {
	clean := func(h string) string { return strings.TrimPrefix(strings.TrimSpace(h), "@") }
	return store.Social{
		Twitter:   clean(s.Twitter),
		Instagram: clean(s.Instagram),
		YouTube:   clean(s.YouTube),
	}
}
