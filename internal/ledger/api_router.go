package ledger

import (
	"encoding/json"
	"net/http"
	"strconv"

	gmux "github.com/gorilla/mux"
	"github.com/hddls/pipesink/internal/common"
	"github.com/hddls/pipesink/internal/demux"
	"github.com/hddls/pipesink/internal/instrument"
)

// APIRouter serves the live pipe table of the current connection, the ledger and metrics.
// Everything it exposes is read only.
type APIRouter struct {
	*gmux.Router
	ledger Ledger
	table  *demux.PipeTable
}

func APIRouterOf(ledger Ledger, table *demux.PipeTable) *APIRouter {
	ret := &APIRouter{
		ledger: ledger,
		table:  table,
	}
	ret.registerMux()
	return ret
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (ar *APIRouter) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.HandleFunc("/pipes", ar.listPipesHlr).Methods("GET")
	ar.HandleFunc("/pipes/{id}", ar.getPipeHlr).Methods("GET")
	ar.HandleFunc("/ledger", ar.listLedgerHlr).Methods("GET")
	ar.HandleFunc("/ledger/{id}", ar.getLedgerHlr).Methods("GET")
	ar.Handle("/metrics", instrument.Handler()).Methods("GET")
	ar.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	})
	ar.Use(corsMiddleware)
}

func pipeIDOf(r *http.Request) (common.PipeID, error) {
	id, err := strconv.ParseUint(gmux.Vars(r)["id"], 10, 32)
	if err != nil {
		return 0, err
	}
	return common.PipeID(id), nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	resp, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (ar *APIRouter) listPipesHlr(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ar.table.Snapshot())
}

func (ar *APIRouter) getPipeHlr(w http.ResponseWriter, r *http.Request) {
	id, err := pipeIDOf(r)
	if err != nil {
		http.Error(w, "pipe id must be a non-negative integer", http.StatusBadRequest)
		return
	}
	st, ok := ar.table.Lookup(id)
	if !ok {
		http.Error(w, "pipe not seen on this connection", http.StatusNotFound)
		return
	}
	writeJSON(w, st)
}

func ledgerErrorStatus(err error) int {
	switch err {
	case ErrLedgerIsVoid:
		return http.StatusServiceUnavailable
	case ErrPipeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (ar *APIRouter) listLedgerHlr(w http.ResponseWriter, r *http.Request) {
	totals, err := ar.ledger.ListPipes()
	if err != nil {
		http.Error(w, err.Error(), ledgerErrorStatus(err))
		return
	}
	writeJSON(w, totals)
}

func (ar *APIRouter) getLedgerHlr(w http.ResponseWriter, r *http.Request) {
	id, err := pipeIDOf(r)
	if err != nil {
		http.Error(w, "pipe id must be a non-negative integer", http.StatusBadRequest)
		return
	}
	totals, err := ar.ledger.GetPipe(id)
	if err != nil {
		http.Error(w, err.Error(), ledgerErrorStatus(err))
		return
	}
	writeJSON(w, totals)
}
