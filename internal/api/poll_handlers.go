package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ocx/khala/internal/apierr"
	"github.com/ocx/khala/internal/fanout"
)

func topicKeyFromPath(r *http.Request) string {
	return mux.Vars(r)["topic"]
}

// principalFor derives the poll/stream principal identity from the verified
// claims — subject scoped by device, matching §4.3's per-(principal, topic)
// subscription keying.
func principalFor(subject, deviceID string) string {
	if deviceID == "" {
		return subject
	}
	return subject + ":" + deviceID
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	topic := topicKeyFromPath(r)
	token := bearerToken(r)
	origin := r.Header.Get("Origin")

	claims, aerr := s.gate.Authorize(token, topic, origin)
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	q := r.URL.Query()
	afterSeq, _ := strconv.ParseInt(q.Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	principal := principalFor(claims.Subject, claims.DeviceID)
	result, perr := s.hub.Poll(topic, afterSeq, limit, principal)
	if perr != nil {
		writeError(w, perr)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	topic := topicKeyFromPath(r)
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	origin := r.Header.Get("Origin")

	claims, aerr := s.gate.Authorize(token, topic, origin)
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	q := r.URL.Query()
	afterSeq, _ := strconv.ParseInt(q.Get("after_seq"), 10, 64)

	conn, err := fanout.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		writeError(w, apierr.Internal("upgrade_failed"))
		return
	}

	principal := principalFor(claims.Subject, claims.DeviceID)
	sess := fanout.NewSession(conn, topic, principal, s.cfg.Fanout.OutboundQueueLimit)
	s.hub.RegisterSession(sess, afterSeq)
}
