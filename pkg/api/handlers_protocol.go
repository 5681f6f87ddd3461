package api

import (
	"net/http"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// handleMessage applies a counterparty protocol message. Apart from the
// request, every message addresses the local process by its correlation id.
// Refusals answer 4xx, which the sender treats as a rejection. Concurrent
// modifications answer 503 and are retried by the sender.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg engine.RemoteMessage
	if err := decodeJSON(w, r, &msg); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid message: "+err.Error())
		return
	}

	ctx := r.Context()
	logger := h.logger.WithField("message", string(msg.Type)).WithField("counterparty_process", msg.ProcessID)

	var (
		p   *engine.TransferProcess
		err error
	)
	switch msg.Type {
	case engine.MessageTransferRequest:
		p, err = h.service.InitiateProvider(ctx, engine.TransferRequest{
			CorrelationID:       msg.ProcessID,
			CounterPartyAddress: msg.CallbackAddress,
			Protocol:            msg.Protocol,
			AssetID:             msg.AssetID,
			ContractID:          msg.ContractID,
			DataDestination:     msg.DataDestination,
		})
	case engine.MessageTransferStart:
		p, err = h.service.NotifyStarted(ctx, msg.CorrelationID, msg.DataAddress)
	case engine.MessageTransferSuspension:
		p, err = h.service.NotifySuspended(ctx, msg.CorrelationID)
	case engine.MessageTransferCompletion:
		p, err = h.service.NotifyCompleted(ctx, msg.CorrelationID)
	case engine.MessageTransferTermination:
		reason := msg.Reason
		if reason == "" {
			reason = "terminated by counterparty"
		}
		p, err = h.service.NotifyTerminated(ctx, msg.CorrelationID, reason)
	default:
		respondWithError(w, http.StatusBadRequest, "unknown message type "+string(msg.Type))
		return
	}

	if err != nil {
		logger.WithError(err).Warn("Message refused")
		respondWithEngineError(w, err)
		return
	}

	logger.WithProcessID(p.ID).Debug("Message applied")
	respondWithJSON(w, http.StatusOK, engine.Ack{ProcessID: p.ID})
}
