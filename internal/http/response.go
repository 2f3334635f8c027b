package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

// respondErrorWithLog 5xx 记录详细日志，对外只返回通用信息
func respondErrorWithLog(w http.ResponseWriter, r *http.Request, status int, err error, context string) {
	log.Error().Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("context", context).
		Msg("request failed")
	respondJSON(w, status, ErrorResponse{Error: http.StatusText(status)})
}

// respondFile 以附件形式返回生成的文件
func respondFile(w http.ResponseWriter, filename, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
