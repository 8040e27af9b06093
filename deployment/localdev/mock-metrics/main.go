package main

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"time"
)

type historyRequest struct {
	PropertyID string    `json:"property_id"`
	MetricName string    `json:"metric_name"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

type sample struct {
	AsOf  time.Time `json:"as_of"`
	Value float64   `json:"value"`
}

// baselines are the steady monthly levels of the seeded properties.
var baselines = map[string]map[string]float64{
	"prop-harbor-point": {"dscr": 1.42, "ltv": 0.62, "debt_yield": 0.11, "occupancy": 0.94, "expense_ratio": 0.41},
	"prop-elm-street":   {"dscr": 1.31, "ltv": 0.71, "debt_yield": 0.10, "occupancy": 0.91, "expense_ratio": 0.47},
	"prop-riverside":    {"dscr": 1.38, "ltv": 0.66, "debt_yield": 0.12, "occupancy": 0.93, "expense_ratio": 0.44},
}

// shocks replace the latest value of a series so local runs raise alerts and locks.
var shocks = map[string]map[string]float64{
	"prop-elm-street": {"dscr": 0.95},
	"prop-riverside":  {"occupancy": 0.86},
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/properties", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ids := make([]string, 0, len(baselines))
		for id := range baselines {
			ids = append(ids, id)
		}
		writeJSON(w, map[string]any{"property_ids": ids})
	})

	mux.HandleFunc("/api/v1/metrics/history", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req historyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"samples": monthlySeries(req)})
	})

	logger := log.New(log.Writer(), "metrics-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8080",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// monthlySeries emits one sample per month in [start, end] with a small deterministic wobble.
func monthlySeries(req historyRequest) []sample {
	base, ok := baselines[req.PropertyID][req.MetricName]
	if !ok || req.End.Before(req.Start) {
		return []sample{}
	}
	out := make([]sample, 0, 13)
	i := 0
	for t := req.End; !t.Before(req.Start); t = t.AddDate(0, -1, 0) {
		out = append(out, sample{AsOf: t, Value: base * (1 + 0.01*math.Sin(float64(i)))})
		i++
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	if shock, ok := shocks[req.PropertyID][req.MetricName]; ok && len(out) > 0 {
		out[len(out)-1].Value = shock
	}
	return out
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
