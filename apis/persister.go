package apis

import (
	"net/http"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/persistence"
)

// APIRestPersisterHandler REST handler for the persistence consumer health server
type APIRestPersisterHandler struct {
	APIRestHandler
	store    persistence.Store
	consumer *persistence.Consumer
}

// GetAPIRestPersisterHandler define APIRestPersisterHandler
func GetAPIRestPersisterHandler(
	store persistence.Store,
	consumer *persistence.Consumer,
	httpConfig *common.HTTPConfig,
	instance string,
) (APIRestPersisterHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "persister",
		"instance":  instance,
	}
	return APIRestPersisterHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		store:    store,
		consumer: consumer,
	}, nil
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive liveness check
func (h APIRestPersisterHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestPersisterHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// -----------------------------------------------------------------------

// Ready readiness check. Ready means the system of record answers a probe and
// both event log read loops are operational.
func (h APIRestPersisterHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := common.UpdateLogTags(r.Context(), h.LogTags)
	msg := "not ready"
	if err := h.store.Ping(r.Context()); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("System of record probe failed")
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			"GET /ready",
		)
		return
	}
	if !h.consumer.Healthy() {
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			"GET /ready",
		)
		return
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /ready")
}

// ReadyHandler Wrapper around Ready
func (h APIRestPersisterHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
