package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/MrWong99/storyline/pkg/store"
	"github.com/MrWong99/storyline/pkg/types"
)

// MaxPreferredCategories caps both user preferences and story categories.
const MaxPreferredCategories = 3

func categoryRefs(cats []types.Category) []types.CategoryRef {
	out := make([]types.CategoryRef, len(cats))
	for i, c := range cats {
		out[i] = types.CategoryRef{ID: c.ID, Name: c.Name, Description: c.Description}
	}
	return out
}

func (s *Server) categoryImageURL(id int64) string {
	return s.blobs.URL(s.containers.Categories, strconv.FormatInt(id, 10)+".jpeg")
}

func (s *Server) getUserCategories(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		failure(w, "Invalid user ID format")
		return
	}
	if _, err := s.store.GetUser(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		failure(w, "User not found")
		return
	} else if err != nil {
		internalError(w, r, "get user categories", err)
		return
	}
	cats, err := s.store.PreferredCategories(r.Context(), id)
	if err != nil {
		internalError(w, r, "get user categories", err)
		return
	}
	refs := categoryRefs(cats)
	success(w, "User categories fetched successfully", fields{"categories": refs, "count": len(refs)})
}

func (s *Server) setUserCategories(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		failure(w, "Invalid user ID format")
		return
	}
	b, err := decodeBody(r, false)
	if err != nil {
		failure(w, "Invalid JSON in request body")
		return
	}
	var raw []json.RawMessage
	if b.isNull("categories") || json.Unmarshal(b["categories"], &raw) != nil {
		failure(w, "Request must include 'categories' as an array")
		return
	}
	if len(raw) > MaxPreferredCategories {
		failure(w, "User can have a maximum of 3 preferred categories")
		return
	}
	if _, err := s.store.GetUser(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		failure(w, "User not found")
		return
	} else if err != nil {
		internalError(w, r, "set user categories", err)
		return
	}

	ids := make([]int64, 0, len(raw))
	var invalid []string
	for _, item := range raw {
		cid, ok := parseID(item)
		if !ok {
			invalid = append(invalid, string(item))
			continue
		}
		ids = append(ids, cid)
	}
	active, err := s.store.ActiveCategoryIDs(r.Context(), ids)
	if err != nil {
		internalError(w, r, "set user categories", err)
		return
	}
	for _, cid := range ids {
		if !slices.Contains(active, cid) {
			invalid = append(invalid, strconv.FormatInt(cid, 10))
		}
	}
	if len(invalid) > 0 {
		failure(w, "Invalid or inactive category IDs: "+idList(invalid))
		return
	}

	cats, err := s.store.SetPreferredCategories(r.Context(), id, ids)
	if err != nil {
		internalError(w, r, "set user categories", err)
		return
	}
	refs := categoryRefs(cats)
	success(w, "User categories updated successfully", fields{"categories": refs, "count": len(refs)})
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.store.ListCategories(r.Context())
	if err != nil {
		internalError(w, r, "list categories", err)
		return
	}
	if cats == nil {
		cats = []types.Category{}
	}
	for i := range cats {
		cats[i].ImageURL = s.categoryImageURL(cats[i].ID)
	}
	success(w, "Categories fetched successfully", fields{"categories": cats, "count": len(cats)})
}
