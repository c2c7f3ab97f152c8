package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/default-user/mathison/pkg/governed"
	"github.com/default-user/mathison/pkg/jobs"
	"github.com/default-user/mathison/pkg/runtime"
)

// idempotencyReplayTTL bounds how long a cached /memory/* write response is
// replayed for a reused idempotency_key before the key is treated as new.
const idempotencyReplayTTL = 24 * time.Hour

// Server fronts a booted Runtime with the HTTP surface spec §6 names. It is
// the one place that translates *http.Request into a governed.Request and
// back — every mutating call still passes through the Wrapper's full
// five-stage pipeline; Server never calls a route handler directly.
type Server struct {
	rt          *runtime.Runtime
	actor       string
	idempotency IdempotencyStorer
}

// NewServer constructs the HTTP front end for rt. actor is the caller
// identity attached to every governed request; a production deployment
// derives it from its own authentication layer, which spec §1 places out
// of scope for this kernel. The memory graph store itself is not held
// here — its routes are registered directly into rt.Routes by
// RegisterRoutes before the server starts serving, so /memory/* writes
// dispatch through the same governed.Wrapper path every handler uses.
func NewServer(rt *runtime.Runtime, actor string) *Server {
	return &Server{rt: rt, actor: actor, idempotency: NewIdempotencyStore(idempotencyReplayTTL)}
}

// HandleHealth serves GET /health. 200 only when every prerequisite
// verified at boot; otherwise 503 with the same governance summary so an
// operator can see exactly what failed.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	status := "ok"
	code := http.StatusOK
	if !s.rt.PrereqResult.OK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	resp := map[string]any{
		"status":     status,
		"bootStatus": s.rt.BootKey.BootKeyID(),
		"governance": map[string]any{
			"genome": genomeSummary(s.rt),
		},
	}
	if s.rt.PrereqResult.Treaty != nil {
		resp["governance"].(map[string]any)["treaty"] = map[string]any{
			"version":   s.rt.PrereqResult.Treaty.Version,
			"authority": s.rt.PrereqResult.Treaty.SignerID,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func genomeSummary(rt *runtime.Runtime) map[string]any {
	if rt.Genome == nil {
		return map[string]any{"initialized": false}
	}
	return map[string]any{
		"id":          rt.Genome.GenomeID,
		"version":     rt.Genome.Version,
		"initialized": true,
	}
}

// HandleGenome serves GET /genome.
func (s *Server) HandleGenome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if s.rt.Genome == nil {
		WriteError(w, http.StatusServiceUnavailable, "Genome Unavailable", "no genome loaded at boot")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.rt.Genome)
}

// jobsRunRequest is the decoded body of POST /jobs/run.
type jobsRunRequest struct {
	JobType  string         `json:"jobType"`
	Inputs   map[string]any `json:"inputs"`
	PolicyID string         `json:"policyId,omitempty"`
	JobID    string         `json:"jobId,omitempty"`
}

// HandleJobsRun serves POST /jobs/run. It also serves as the resume path
// per spec §4.14: Run resumes an existing non-terminal job_id in place, so
// HandleJobsResume below simply re-dispatches here with a required job_id.
func (s *Server) HandleJobsRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req jobsRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.JobType == "" {
		WriteBadRequest(w, "jobType is required")
		return
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	cp, err := s.rt.Jobs.Run(r.Context(), jobID, req.JobType, req.Inputs)
	if err != nil {
		writeJobError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"job_id":         cp.JobID,
		"status":         cp.Status,
		"outputs":        cp.StageOutputs,
		"genome_id":      s.rt.Genome.GenomeID,
		"genome_version": s.rt.Genome.Version,
	})
}

// jobsResumeRequest is the decoded body of POST /jobs/resume.
type jobsResumeRequest struct {
	JobID string `json:"job_id"`
}

// HandleJobsResume serves POST /jobs/resume.
func (s *Server) HandleJobsResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req jobsResumeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.JobID == "" {
		WriteBadRequest(w, "job_id is required")
		return
	}

	cp, err := s.rt.Checkpoints.Load(req.JobID)
	if err != nil {
		WriteNotFound(w, "no checkpoint for job_id "+req.JobID)
		return
	}

	resumed, err := s.rt.Jobs.Run(r.Context(), req.JobID, cp.JobType, cp.Inputs)
	if err != nil {
		writeJobError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resumed)
}

// HandleJobsStatus serves GET /jobs/status?job_id=….
func (s *Server) HandleJobsStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		WriteBadRequest(w, "job_id query parameter is required")
		return
	}
	cp, err := s.rt.Checkpoints.Load(jobID)
	if err != nil {
		WriteNotFound(w, "no checkpoint for job_id "+jobID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cp)
}

// HandleJobsLogs serves GET /jobs/logs — the receipt trail for one job_id,
// per spec §6 ("GET /jobs/logs → receipts").
func (s *Server) HandleJobsLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		WriteBadRequest(w, "job_id query parameter is required")
		return
	}
	trail, err := s.rt.Receipts.GetByJob(jobID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(trail)
}

func writeJobError(w http.ResponseWriter, err error) {
	switch err {
	case jobs.ErrStageTimeout, jobs.ErrStageFailed:
		WriteError(w, http.StatusUnprocessableEntity, "Job Stage Failed", err.Error())
	default:
		WriteInternal(w, err)
	}
}

// HandleMemoryNodes serves POST /memory/nodes through the governed
// pipeline's memory.node.put action. Decoding only parses the body; the
// actual node write happens inside the registered route handler (see
// RegisterRoutes), after CIF ingress and CDI action-decision both pass.
func (s *Server) HandleMemoryNodes(w http.ResponseWriter, r *http.Request) {
	s.handleMemoryWrite(w, r, ActionMemoryNodePut)
}

// HandleMemoryEdges serves POST /memory/edges.
func (s *Server) HandleMemoryEdges(w http.ResponseWriter, r *http.Request) {
	s.handleMemoryWrite(w, r, ActionMemoryEdgePut)
}

// HandleMemoryHyperedges serves POST /memory/hyperedges.
func (s *Server) HandleMemoryHyperedges(w http.ResponseWriter, r *http.Request) {
	s.handleMemoryWrite(w, r, ActionMemoryHyperedgePut)
}

// handleMemoryWrite decodes the body into a generic map so CIF's ingress
// scanners (string-length caps, prompt-injection/secret pattern matching)
// actually walk the payload — they only recurse through map[string]any/
// []any/string, not an arbitrary Go struct — then runs it through the
// governed Wrapper under actionID. The registered route handler (see
// RegisterRoutes) re-marshals the sanitized map back into the typed
// request it expects. Every /memory/* POST in spec §6 requires
// idempotency_key; its absence is a bad request, not a silently-ungoverned
// write. A key already seen for this actionID replays the cached response
// instead of re-running the pipeline, so a retried write never creates a
// second graph node/edge/hyperedge.
func (s *Server) handleMemoryWrite(w http.ResponseWriter, r *http.Request, actionID string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var body map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	idempotencyKey, _ := body["idempotency_key"].(string)
	if idempotencyKey == "" {
		WriteBadRequest(w, "idempotency_key is required")
		return
	}
	cacheKey := actionID + ":" + idempotencyKey

	if cached, ok := s.idempotency.Check(cacheKey); ok {
		for k, vs := range cached.Headers {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(cached.StatusCode)
		_, _ = w.Write(cached.Body)
		return
	}

	resp, err := s.rt.Wrapper.Handle(r.Context(), governed.Request{
		Route:        actionID,
		ActionID:     actionID,
		Actor:        s.actor,
		Body:         body,
		Genome:       s.rt.Genome,
		TreatyLoaded: s.rt.PrereqResult.Treaty != nil,
	})
	if err != nil {
		writeGovernedDenial(w, err)
		return
	}

	respBody, _ := json.Marshal(map[string]any{
		"result":  resp.Result,
		"receipt": resp.Receipt,
	})
	headers := http.Header{"Content-Type": []string{"application/json"}}
	s.idempotency.Set(cacheKey, http.StatusOK, headers, respBody)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(respBody)
}

func writeGovernedDenial(w http.ResponseWriter, err error) {
	denial, ok := err.(*governed.DenialError)
	if !ok {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       "governance denied",
		"reason_code": denial.ReasonCode,
		"message":     denial.Error(),
	})
}
