package api

import (
	"fmt"
	"math"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
)

// ClassifyRequest carries a batch of flattened images, row-major HWC with
// values in [0,1].
type ClassifyRequest struct {
	Images [][]float32 `json:"images"`
}

type ClassifyResult struct {
	Class      int       `json:"class"`
	Confidence float32   `json:"confidence"`
	LogProbs   []float32 `json:"log_probs"`
}

type ClassifyResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Results []ClassifyResult `json:"results"`
}

func (s *Server) handleClassify(c *echo.Context) error {
	req, err := decodeJSON[ClassifyRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Images) == 0 {
		return writeBadRequest(c, "images is required and must not be empty")
	}
	if len(req.Images) > MaxBatch {
		return writeBadRequest(c, fmt.Sprintf("batch of %d exceeds limit %d", len(req.Images), MaxBatch))
	}

	sample := s.h * s.w * s.c
	flat := make([]float32, 0, len(req.Images)*sample)
	for i, img := range req.Images {
		if len(img) != sample {
			return writeBadRequest(c, fmt.Sprintf("image %d has %d values, want %d", i, len(img), sample))
		}
		flat = append(flat, img...)
	}

	out, err := s.model.ForwardDense(flat, len(req.Images))
	if err != nil {
		if s.log != nil {
			s.log.Error("classification failed", "err", err)
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}

	resp := ClassifyResponse{
		ID:      "cls-" + uuid.NewString(),
		Object:  "classification",
		Created: s.clock().Unix(),
		Model:   s.name,
		Results: make([]ClassifyResult, out.R),
	}
	for i := 0; i < out.R; i++ {
		row := out.Row(i)
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		logProbs := make([]float32, len(row))
		copy(logProbs, row)
		resp.Results[i] = ClassifyResult{
			Class:      best,
			Confidence: float32(math.Exp(float64(row[best]))),
			LogProbs:   logProbs,
		}
	}
	return c.JSON(http.StatusOK, resp)
}
