package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// ProcessList is the response of GET /transfers.
type ProcessList struct {
	Items  []*engine.TransferProcess `json:"items"`
	Limit  int                       `json:"limit"`
	Offset int                       `json:"offset"`
}

// TerminateRequest is the body of POST /transfers/{id}/terminate.
type TerminateRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req engine.TransferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid transfer request: "+err.Error())
		return
	}

	p, err := h.service.InitiateConsumer(r.Context(), req)
	if err != nil {
		h.logger.WithError(err).WithField("asset_id", req.AssetID).Warn("Failed to initiate transfer")
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, p)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := h.service.List(r.Context(), opts)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	if items == nil {
		items = []*engine.TransferProcess{}
	}
	respondWithJSON(w, http.StatusOK, ProcessList{Items: items, Limit: opts.Limit, Offset: opts.Offset})
}

func listOptions(r *http.Request) (engine.ListOptions, error) {
	q := r.URL.Query()
	opts := engine.ListOptions{Limit: 50}

	if v := q.Get("state"); v != "" {
		state, err := engine.ParseState(v)
		if err != nil {
			return opts, err
		}
		opts.State = state
	}
	if v := q.Get("type"); v != "" {
		t := engine.ProcessType(v)
		if err := t.Validate(); err != nil {
			return opts, err
		}
		opts.Type = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			return opts, errInvalidParam("limit")
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, errInvalidParam("offset")
		}
		opts.Offset = n
	}
	return opts, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string { return "invalid query parameter " + string(e) }

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (h *Handler) handleGetReference(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.references == nil {
		respondWithError(w, http.StatusNotFound, "endpoint data references are not enabled")
		return
	}
	ref, ok := h.references.Get(id)
	if !ok {
		respondWithError(w, http.StatusNotFound, "no endpoint data reference for "+id)
		return
	}
	respondWithJSON(w, http.StatusOK, ref)
}

func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req TerminateRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "invalid terminate request: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "terminated by operator"
	}
	h.trigger(w, r, "terminate", func(ctx context.Context, id string) (*engine.TransferProcess, error) {
		return h.service.Terminate(ctx, id, req.Reason)
	})
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, "complete", h.service.Complete)
}

func (h *Handler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, "suspend", h.service.Suspend)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, "resume", h.service.Resume)
}

func (h *Handler) handleDeprovision(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, "deprovision", h.service.Deprovision)
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request, operation string, fn func(context.Context, string) (*engine.TransferProcess, error)) {
	id := chi.URLParam(r, "id")
	p, err := fn(r.Context(), id)
	if err != nil {
		h.logger.WithProcessID(id).WithField("operation", operation).WithError(err).Info("Trigger refused")
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}
