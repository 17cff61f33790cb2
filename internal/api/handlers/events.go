package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/switchboardhq/switchboard/internal/metrics"
	"github.com/switchboardhq/switchboard/internal/security"
	pkgmw "github.com/switchboardhq/switchboard/pkg/middleware"
)

// MaxEventBytes caps an inbound event body.
const MaxEventBytes = 64 << 10

// Header names carried by inbound deliveries.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderSourceID  = "X-Source-Id"
)

// Events accepts a signed inbound event and answers with the turn's reply.
// Every refusal looks the same to the sender.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxEventBytes))
	if err != nil {
		metrics.RecordGateRejection(security.ReasonMalformed)
		respondRejected(w)
		return
	}

	reply, err := h.Turns.Handle(r.Context(), security.Request{
		Body:       body,
		Signature:  r.Header.Get(HeaderSignature),
		Timestamp:  r.Header.Get(HeaderTimestamp),
		SourceID:   r.Header.Get(HeaderSourceID),
		RemoteAddr: r.RemoteAddr,
	})
	switch {
	case errors.Is(err, security.ErrRejected):
		respondRejected(w)
		return
	case err != nil:
		pkgmw.Logger(r.Context()).Warn().Err(err).Msg("Turn not started")
		respondError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}

	ctx := pkgmw.SetConversation(pkgmw.SetTenant(r.Context(), reply.TenantID), reply.ConversationKey)
	pkgmw.Logger(ctx).Debug().Str("outcome", string(reply.Outcome)).Str("agent", string(reply.Agent)).Msg("Reply sent")
	respondJSON(w, http.StatusOK, reply)
}

func respondRejected(w http.ResponseWriter) {
	respondError(w, http.StatusForbidden, "rejected")
}
