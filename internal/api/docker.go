package api

import (
	"net/http"
	"strconv"

	"s6gate/internal/apperr"
	"s6gate/internal/docker"
)

type DockerListResponse struct {
	Containers []docker.Record `json:"containers"`
}

func (s *Server) handleDockerList(w http.ResponseWriter, r *http.Request) {
	all := false
	if raw := r.URL.Query().Get("all"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeErr(w, r, apperr.Validation("all must be a boolean"))
			return
		}
		all = parsed
	}
	records, err := s.docker.List(r.Context(), all)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DockerListResponse{Containers: records})
}

func (s *Server) handleDockerStatus(w http.ResponseWriter, r *http.Request) {
	detail, err := s.docker.Status(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type DockerControlRequest struct {
	Action  string `json:"action"`
	Timeout *int   `json:"timeout"`
}

func (s *Server) handleDockerControl(w http.ResponseWriter, r *http.Request) {
	var req DockerControlRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	action, err := docker.ParseAction(req.Action)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	res, err := s.docker.Control(r.Context(), r.PathValue("name"), action, req.Timeout)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDockerLogs(w http.ResponseWriter, r *http.Request) {
	tail, err := queryInt(r, "tail", s.cfg.Docker.LogTail, 1, maxLogTail)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	res, err := s.docker.Logs(r.Context(), r.PathValue("name"), tail)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
