package gateway

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/api"
)

const healthProbeTimeout = 2 * time.Second

// Dependency states reported by /health/detailed.
const (
	stateUp       = "up"
	stateDown     = "down"
	stateDegraded = "degraded"
)

type healthReport struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Degraded     bool              `json:"degraded"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, healthReport{Status: "ok", Version: s.deps.Version})
}

// handleHealthDetailed probes every dependency concurrently. Any failing
// dependency marks the service degraded; the endpoint itself stays 200 so
// the process is not restarted for a backend outage.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var mu sync.Mutex
	var wg sync.WaitGroup
	deps := make(map[string]string, len(names)+1)
	for _, name := range names {
		wg.Add(1)
		go func(name string, p Pinger) {
			defer wg.Done()
			state := stateUp
			if err := p.Ping(ctx); err != nil {
				s.logger.WarnContext(ctx, "dependency unhealthy", "dependency", name, "error", err)
				state = stateDown
			}
			mu.Lock()
			deps[name] = state
			mu.Unlock()
		}(name, s.deps.Checks[name])
	}
	wg.Wait()

	if rec := s.deps.Recorder; rec != nil {
		switch {
		case rec.Ping(ctx) != nil:
			deps["audit"] = stateDown
		case rec.Degraded():
			deps["audit"] = stateDegraded
		default:
			deps["audit"] = stateUp
		}
	}

	report := healthReport{Status: "ok", Version: s.deps.Version, Dependencies: deps}
	for _, state := range deps {
		if state != stateUp {
			report.Status = stateDegraded
			report.Degraded = true
		}
	}
	api.WriteJSON(w, http.StatusOK, report)
}
