package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// ProvisionedCallback is posted by an external provisioner once a resource exists.
type ProvisionedCallback struct {
	Resource    engine.ProvisionedResource `json:"resource"`
	SecretToken string                     `json:"secret_token,omitempty"`
}

// DeprovisionedCallback is posted by an external provisioner once a resource is released.
type DeprovisionedCallback struct {
	ProvisionedResourceID string `json:"provisioned_resource_id"`
	Error                 string `json:"error,omitempty"`
}

func (h *Handler) handleProvisioned(w http.ResponseWriter, r *http.Request) {
	var body ProvisionedCallback
	if err := decodeJSON(w, r, &body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid callback: "+err.Error())
		return
	}
	h.execute(w, r, &engine.AddProvisionedResourceCommand{
		TransferProcessID: chi.URLParam(r, "id"),
		Resource:          body.Resource,
		SecretToken:       body.SecretToken,
	})
}

func (h *Handler) handleDeprovisioned(w http.ResponseWriter, r *http.Request) {
	var body DeprovisionedCallback
	if err := decodeJSON(w, r, &body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid callback: "+err.Error())
		return
	}
	h.execute(w, r, &engine.DeprovisionCompleteCommand{
		TransferProcessID:     chi.URLParam(r, "id"),
		ProvisionedResourceID: body.ProvisionedResourceID,
		Error:                 body.Error,
	})
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, cmd engine.Command) {
	if err := h.service.Execute(r.Context(), cmd); err != nil {
		h.logger.WithProcessID(cmd.ProcessID()).
			WithField("command", string(cmd.CommandType())).
			WithError(err).
			Warn("Callback command failed")
		respondWithEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
