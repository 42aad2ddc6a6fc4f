package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/lox/wandiskill/internal/verify"
)

// ErrorsRequest scores predicted against observed, and optionally against a
// baseline prediction for skill.
type ErrorsRequest struct {
	Observed  []float64 `json:"observed"`
	Predicted []float64 `json:"predicted"`
	Baseline  []float64 `json:"baseline,omitempty"`
}

type ErrorsResponse struct {
	Errors    verify.Errors  `json:"errors"`
	Baseline  *verify.Errors `json:"baseline,omitempty"`
	RMSESkill *float64       `json:"rmse_skill,omitempty"`
	MAESkill  *float64       `json:"mae_skill,omitempty"`
	Undefined []string       `json:"undefined,omitempty"`
}

func (s *Server) handleErrorMetrics(w http.ResponseWriter, r *http.Request) {
	var req ErrorsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, invalid("decode request: "+err.Error()))
		return
	}

	for _, in := range []struct {
		name   string
		values []float64
	}{
		{"observed", req.Observed},
		{"predicted", req.Predicted},
		{"baseline", req.Baseline},
	} {
		if i := firstNonFinite(in.values); i >= 0 {
			writeError(w, invalid(fmt.Sprintf("%s[%d] is not a finite number", in.name, i)))
			return
		}
	}

	errs, err := verify.ErrorMetrics(req.Observed, req.Predicted)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := ErrorsResponse{Errors: errs}

	if req.Baseline != nil {
		base, err := verify.ErrorMetrics(req.Observed, req.Baseline)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Baseline = &base
		resp.RMSESkill = skill(errs.RMSE, base.RMSE, "rmse_skill", &resp.Undefined)
		resp.MAESkill = skill(errs.MAE, base.MAE, "mae_skill", &resp.Undefined)
	}

	writeJSON(w, http.StatusOK, resp)
}

func skill(forecast, baseline float64, name string, undefined *[]string) *float64 {
	v, err := verify.SkillScore(forecast, baseline)
	if errors.Is(err, verify.ErrUndefinedSkill) {
		*undefined = append(*undefined, name)
		return nil
	}
	return &v
}

func firstNonFinite(values []float64) int {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}
