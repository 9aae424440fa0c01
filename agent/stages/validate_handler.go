package stages

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
)

// validateRequest 是 POST /validate-data 的请求体.
type validateRequest struct {
	Data any `json:"data"`
}

// ValidateResponse 是 POST /validate-data 的响应体.
type ValidateResponse struct {
	Status   string         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Data     map[string]any `json:"data"`
}

// 校验响应状态.
const (
	ValidateStatusSuccess = "success"
	ValidateStatusWarning = "warning"
	ValidateStatusError   = "error"
)

// ValidateHandler 返回 POST /validate-data 的处理器, 只做校验不落库.
func ValidateHandler(logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "validate_handler"))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeValidate(w, logger, http.StatusMethodNotAllowed, ValidateResponse{
				Status:  ValidateStatusError,
				Message: "method not allowed",
			})
			return
		}

		var req validateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeValidate(w, logger, http.StatusBadRequest, ValidateResponse{
				Status:  ValidateStatusError,
				Message: "Request must be JSON",
			})
			return
		}
		if !truthy(req.Data) {
			writeValidate(w, logger, http.StatusBadRequest, ValidateResponse{
				Status:  ValidateStatusError,
				Message: "Missing 'data' parameter in request.",
			})
			return
		}

		v := ValidateRecord(req.Data)
		if !v.OK() {
			writeValidate(w, logger, http.StatusBadRequest, ValidateResponse{
				Status: ValidateStatusError,
				Errors: v.Problems,
			})
			return
		}

		status := ValidateStatusSuccess
		if len(v.Problems) > 0 {
			status = ValidateStatusWarning
		}
		writeValidate(w, logger, http.StatusOK, ValidateResponse{
			Status:   status,
			Warnings: v.Problems,
			Data:     v.Record,
		})
	})
}

// Mount 在阶段服务器上注册该阶段类型的额外端点.
func (s *Stage) Mount(server *a2a.HTTPServer) {
	if s.config.Kind == KindStorer {
		server.Handle(a2a.PathValidate, ValidateHandler(s.logger))
	}
}

func writeValidate(w http.ResponseWriter, logger *zap.Logger, status int, resp ValidateResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("failed to write validation response", zap.Error(err))
	}
}
