// Package adminhttp mounts the health monitor's debug/admin HTTP surface:
// a JSON status endpoint plus an optional live SQL console over the
// orchestrator's store, grounded directly on the teacher's
// db.AttachAdminRoutes (db/db.go), which mounts a tailsql server under
// tsweb.Debugger the same way.
package adminhttp

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/dsa110/contimg/internal/healthmonitor"
	"github.com/dsa110/contimg/internal/store"
)

// SnapshotFunc returns the most recent health-monitor snapshot on demand,
// satisfied by (*healthmonitor.Monitor).SnapshotNow bound to a context.
type SnapshotFunc func() healthmonitor.Snapshot

// Attach mounts the status JSON endpoint and, when st is non-nil, a
// tailsql live debug console over it, onto mux — the same
// debug.Handle("tailsql/", ...) / debug.Handle("status", ...) shape as
// the teacher's AttachAdminRoutes, generalized from one fixed radar.db
// label to the orchestrator's store path.
func Attach(mux *http.ServeMux, st *store.Store, dbPath string, snapshot SnapshotFunc) {
	debug := tsweb.Debugger(mux)

	debug.Handle("status", "Current health monitor snapshot as JSON", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))

	if st == nil {
		return
	}
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Printf("adminhttp: failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB(fmt.Sprintf("sqlite://%s", dbPath), st.DB, &tailsql.DBOptions{
		Label: "Continuum Imaging Orchestrator DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
}
