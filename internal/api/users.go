package api

import (
	"errors"
	"net/http"

	"github.com/MrWong99/storyline/pkg/store"
	"github.com/MrWong99/storyline/pkg/types"
)

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		failure(w, "Invalid user ID format")
		return
	}
	u, err := s.store.GetUser(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		failure(w, "User not found")
		return
	}
	if err != nil {
		internalError(w, r, "get user", err)
		return
	}
	success(w, "User fetched successfully", fields{"user": u})
}

// optionalFields validates lastName and bday. A non-empty message means
// the request is rejected with it.
func optionalFields(b body) (lastName *string, bday *types.Date, message string) {
	if !b.isNull("lastName") {
		v, ok := b.str("lastName")
		if !ok {
			return nil, nil, "lastName must be a string or null"
		}
		lastName = &v
	}
	if !b.isNull("bday") {
		v, ok := b.str("bday")
		if !ok {
			return nil, nil, "bday must be a string date in format YYYY-MM-DD or null"
		}
		d, err := types.ParseDate(v)
		if err != nil {
			return nil, nil, "bday must be in format YYYY-MM-DD"
		}
		bday = &d
	}
	return lastName, bday, ""
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r, false)
	if err != nil {
		failure(w, "Invalid JSON in request body")
		return
	}
	if !b.has("firstName") {
		failure(w, "Missing required field: firstName")
		return
	}
	first, ok := b.str("firstName")
	if !ok {
		failure(w, "firstName must be a string")
		return
	}
	last, bday, msg := optionalFields(b)
	if msg != "" {
		failure(w, msg)
		return
	}

	u, err := s.store.CreateUser(r.Context(), store.NewUser{FirstName: first, LastName: last, Birthday: bday})
	if err != nil {
		internalError(w, r, "create user", err)
		return
	}
	success(w, "User created successfully", fields{"user": u})
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
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
	if !b.has("firstName") && !b.has("lastName") && !b.has("bday") {
		failure(w, "Please provide at least one field to update (firstName, lastName, or bday)")
		return
	}
	if _, err := s.store.GetUser(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		failure(w, "User not found")
		return
	} else if err != nil {
		internalError(w, r, "update user", err)
		return
	}

	var patch types.UserPatch
	if b.has("firstName") {
		first, ok := b.str("firstName")
		if !ok {
			failure(w, "firstName must be a string")
			return
		}
		patch.FirstName = &first
	}
	last, bday, msg := optionalFields(b)
	if msg != "" {
		failure(w, msg)
		return
	}
	patch.SetLastName, patch.LastName = b.has("lastName"), last
	patch.SetBirthday, patch.Birthday = b.has("bday"), bday

	u, err := s.store.UpdateUser(r.Context(), id, patch)
	if errors.Is(err, store.ErrNotFound) {
		failure(w, "User not found")
		return
	}
	if err != nil {
		internalError(w, r, "update user", err)
		return
	}
	success(w, "User updated successfully", fields{"user": u})
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		failure(w, "Invalid user ID format")
		return
	}
	err := s.store.DeactivateUser(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		failure(w, "User not found")
	case errors.Is(err, store.ErrInactive):
		failure(w, "User is already deactivated")
	case err != nil:
		internalError(w, r, "deactivate user", err)
	default:
		success(w, "User successfully deactivated", fields{"userId": id})
	}
}
