// Package api exposes the Chunk Lifecycle and Query Admission Engine over
// HTTP: status pings and query submission, the transport collaborator
// spec.md §1 treats as out of scope beyond its shape.
package api

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"go.archivegrid.dev/worker/modules"
	"go.archivegrid.dev/worker/modules/worker"
)

// Error is returned as the JSON body of a non-2xx response.
type Error struct {
	Message string `json:"message"`
}

// Error implements the error interface.
func (e Error) Error() string {
	return e.Message
}

// API wraps a Worker with an http.Handler.
type API struct {
	w       *worker.Worker
	Handler http.Handler
}

// New builds an API around w and registers its routes.
func New(w *worker.Worker) *API {
	api := &API{w: w}
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(api.unrecognizedCallHandler)

	router.GET("/status", api.statusHandler)
	router.POST("/query/*dataset", api.queryHandler)

	api.Handler = router
	return api
}

func (api *API) unrecognizedCallHandler(w http.ResponseWriter, _ *http.Request) {
	writeError(w, Error{"404 - unrecognized call"}, http.StatusNotFound)
}

// statusHandler implements GET /status.
func (api *API) statusHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, api.w.Status())
}

// queryResponse carries the subset of QueryOk presentable over the wire:
// compressed_data is a base64 string once JSON-encoded (RawData never
// leaves the process, matching the json:"-" tags on modules.QueryOk).
type queryResponse struct {
	CompressedData []byte `json:"compressedData"`
	DataSize       int    `json:"dataSize"`
	CompressedSize int    `json:"compressedSize"`
	DataSha3_256   string `json:"dataSha3_256"`
	NumReadChunks  int    `json:"numReadChunks"`
	ExecDurationNs int64  `json:"execDurationNanos"`
}

// queryHandler implements POST /query/<dataset>. The dataset is the rest of
// the path after /query/, so a dataset URL containing slashes is accepted
// as-is. The client_id is taken from an optional header, matching the
// peer-to-peer transport's "opaque client_id?" shape (spec.md §6).
func (api *API) queryHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	dataset := modules.Dataset(strings.TrimPrefix(ps.ByName("dataset"), "/"))
	clientID := req.Header.Get("X-Client-Id")

	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, Error{"could not read request body"}, http.StatusBadRequest)
		return
	}

	ok, qerr := api.w.RunQuery(body, dataset, clientID)
	if qerr != nil {
		writeError(w, Error{qerr.Error()}, qerr.HTTPStatus())
		return
	}

	writeJSON(w, queryResponse{
		CompressedData: ok.CompressedData,
		DataSize:       ok.DataSize,
		CompressedSize: ok.CompressedSize,
		DataSha3_256:   encodeHex(ok.DataSha3_256[:]),
		NumReadChunks:  ok.NumReadChunks,
		ExecDurationNs: ok.ExecDuration.Nanoseconds(),
	})
}

func writeError(w http.ResponseWriter, err Error, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if json.NewEncoder(w).Encode(err) != nil {
		http.Error(w, "failed to encode error response", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, obj interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if json.NewEncoder(w).Encode(obj) != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func encodeHex(b []byte) string {
	return hex.EncodeToString(b)
}
