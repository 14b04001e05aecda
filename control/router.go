package control

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gopom/pom/log"
)

// Router is the control plane's HTTP surface: the (class/instance/
// parameter) registry tree plus a log-tail endpoint, built the way the
// retrieval pack wires up its own small REST surfaces — mux.NewRouter(),
// one HandleFunc per route, http.ListenAndServe from the caller.
type Router struct {
	Registry *Registry
	Log      *RingLog
	mux      *mux.Router
}

// NewRouter builds a Router over registry, tailing into ringLog.
func NewRouter(registry *Registry, ringLog *RingLog) *Router {
	r := &Router{Registry: registry, Log: ringLog, mux: mux.NewRouter()}
	r.mux.HandleFunc("/classes", r.listClasses).Methods(http.MethodGet)
	r.mux.HandleFunc("/classes/{class}/instances", r.listInstances).Methods(http.MethodGet)
	r.mux.HandleFunc("/classes/{class}/instances/{instance}/params", r.listParams).Methods(http.MethodGet)
	r.mux.HandleFunc("/classes/{class}/instances/{instance}/params/{param}", r.getParam).Methods(http.MethodGet)
	r.mux.HandleFunc("/classes/{class}/instances/{instance}/params/{param}", r.putParam).Methods(http.MethodPut)
	r.mux.HandleFunc("/log/tail", r.tailLog).Methods(http.MethodGet)
	return r
}

// ServeHTTP lets Router itself be passed to http.ListenAndServe.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": err.Error()})
}

func (r *Router) listClasses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.Registry.ClassNames())
}

func (r *Router) listInstances(w http.ResponseWriter, req *http.Request) {
	class := mux.Vars(req)["class"]
	writeJSON(w, r.Registry.Class(class).InstanceNames())
}

func (r *Router) listParams(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	inst, ok := r.Registry.Class(vars["class"]).Instance(vars["instance"])
	if !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("no instance %q", vars["instance"]))
		return
	}
	writeJSON(w, inst.ParamNames())
}

func (r *Router) getParam(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	p, err := r.Registry.Lookup(vars["class"], vars["instance"], vars["param"])
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, map[string]string{"value": p.Get().Print()})
}

func (r *Router) putParam(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	inst, ok := r.Registry.Class(vars["class"]).Instance(vars["instance"])
	if !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("no instance %q", vars["instance"]))
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := inst.Set(vars["param"], body); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) tailLog(w http.ResponseWriter, req *http.Request) {
	n := 100
	if raw := req.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			n = parsed
		}
	}
	writeJSON(w, r.Log.Tail(n))
}

// RingLog wraps a log.Logger and keeps the last capacity formatted lines in
// memory for the /log/tail endpoint, the control plane's substitute for
// tailing a log file on disk.
type RingLog struct {
	inner    log.Logger
	mu       sync.Mutex
	lines    []string
	capacity int
	next     int
	full     bool
}

// NewRingLog wraps inner, retaining up to capacity lines.
func NewRingLog(inner log.Logger, capacity int) *RingLog {
	return &RingLog{inner: inner, lines: make([]string, capacity), capacity: capacity}
}

func (r *RingLog) record(level string, line string) {
	r.mu.Lock()
	r.lines[r.next] = "[" + level + "] " + line
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Tail returns up to n of the most recently recorded lines, oldest first.
func (r *RingLog) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []string
	if r.full {
		ordered = append(ordered, r.lines[r.next:]...)
	}
	ordered = append(ordered, r.lines[:r.next]...)

	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

func (r *RingLog) Debugln(args ...interface{}) {
	r.record("DEBUG", fmt.Sprintln(args...))
	r.inner.Debugln(args...)
}
func (r *RingLog) Infoln(args ...interface{}) {
	r.record("INFO", fmt.Sprintln(args...))
	r.inner.Infoln(args...)
}
func (r *RingLog) Warnln(args ...interface{}) {
	r.record("WARN", fmt.Sprintln(args...))
	r.inner.Warnln(args...)
}
func (r *RingLog) Errln(args ...interface{}) {
	r.record("ERR", fmt.Sprintln(args...))
	r.inner.Errln(args...)
}

func (r *RingLog) Debugf(format string, args ...interface{}) {
	r.record("DEBUG", fmt.Sprintf(format, args...))
	r.inner.Debugf(format, args...)
}
func (r *RingLog) Infof(format string, args ...interface{}) {
	r.record("INFO", fmt.Sprintf(format, args...))
	r.inner.Infof(format, args...)
}
func (r *RingLog) Warnf(format string, args ...interface{}) {
	r.record("WARN", fmt.Sprintf(format, args...))
	r.inner.Warnf(format, args...)
}
func (r *RingLog) Errf(format string, args ...interface{}) {
	r.record("ERR", fmt.Sprintf(format, args...))
	r.inner.Errf(format, args...)
}

var _ log.Logger = (*RingLog)(nil)
