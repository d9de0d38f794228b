package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/chaos-io/bgstudio/catalog"
	"github.com/chaos-io/bgstudio/rembg"
	"github.com/chaos-io/bgstudio/selection"
	"github.com/chaos-io/bgstudio/util"
	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 50

func ok(c *gin.Context, body gin.H) {
	body["success"] = true
	c.JSON(http.StatusOK, body)
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"service":        serviceName,
		"fal_configured": s.opts.FalConfigured,
		"active_models":  len(s.registry.GetAllModels(c.Request.Context(), true)),
	})
}

// listModels GET /models?all=true|tag=...|marketplace=...
func (s *Server) listModels(c *gin.Context) {
	ctx := c.Request.Context()
	tag := c.Query("tag")
	marketplace := c.Query("marketplace")

	var models []catalog.ModelInfo
	switch {
	case tag != "":
		models = s.registry.GetModelsByTag(ctx, tag)
		if marketplace != "" {
			filtered := models[:0:0]
			for _, m := range models {
				if m.SupportsMarketplace(marketplace) {
					filtered = append(filtered, m)
				}
			}
			models = filtered
		}
	case marketplace != "":
		models = s.registry.GetModelsByMarketplace(ctx, marketplace)
	default:
		all, _ := strconv.ParseBool(c.Query("all"))
		models = s.registry.GetAllModels(ctx, !all)
	}
	if models == nil {
		models = []catalog.ModelInfo{}
	}
	ok(c, gin.H{"models": models, "count": len(models)})
}

func (s *Server) summary(c *gin.Context) {
	ok(c, gin.H{"summary": s.registry.GetSummary(c.Request.Context())})
}

func (s *Server) getModel(c *gin.Context) {
	id := c.Param("id")
	m := s.registry.GetModelByID(c.Request.Context(), id)
	if m == nil {
		fail(c, http.StatusNotFound, fmt.Sprintf("model %s not found or inactive", id))
		return
	}
	ok(c, gin.H{"model": m})
}

func (s *Server) explainPolicy(c *gin.Context) {
	ok(c, gin.H{"policy": s.policy.ExplainSelectionPolicy()})
}

func (s *Server) selectModel(c *gin.Context) {
	var req selection.Request
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.ImageComplexity != nil && (*req.ImageComplexity < 0 || *req.ImageComplexity > 1) {
		fail(c, http.StatusBadRequest, "image_complexity must be within [0, 1]")
		return
	}
	ok(c, gin.H{"selection": s.policy.SelectModel(c.Request.Context(), req)})
}

type fallbackRequest struct {
	FailedModelID string `json:"failed_model_id" binding:"required"`
	ErrorReason   string `json:"error_reason"`
}

func (s *Server) fallback(c *gin.Context) {
	var req fallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	ok(c, gin.H{"selection": s.policy.GetFallbackModel(c.Request.Context(), req.FailedModelID, req.ErrorReason)})
}

// removeBackground 接收 multipart 的 image 文件和表单中的选择参数, 返回 PNG
func (s *Server) removeBackground(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(s.opts.MaxUploadMB)<<20)

	fh, err := c.FormFile("image")
	if err != nil {
		fail(c, http.StatusBadRequest, "missing image file: "+err.Error())
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, "open image file: "+err.Error())
		return
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		fail(c, http.StatusBadRequest, "read image file: "+err.Error())
		return
	}
	img, err := util.DecodeImage(data)
	if err != nil {
		fail(c, http.StatusUnsupportedMediaType, err.Error())
		return
	}

	opts, err := s.formOptions(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.processor.Process(c.Request.Context(), img, opts)
	if err != nil {
		_ = c.Error(err)
		var perr *rembg.ProcessError
		switch {
		case errors.As(err, &perr):
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"success":  false,
				"error":    err.Error(),
				"job_id":   perr.JobID,
				"attempts": perr.Attempts,
			})
		case errors.Is(err, rembg.ErrNoModel):
			fail(c, http.StatusServiceUnavailable, err.Error())
		default:
			fail(c, http.StatusInternalServerError, err.Error())
		}
		return
	}

	out, err := util.EncodePNG(res.Image)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Header("X-Job-Id", res.JobID)
	c.Header("X-Model-Id", res.Model.ID)
	c.Header("X-Selection-Reason", string(res.Selection.Reason))
	c.Header("X-Attempts", strconv.Itoa(len(res.Attempts)))
	c.Data(http.StatusOK, "image/png", out)
}

func (s *Server) formOptions(c *gin.Context) (rembg.Options, error) {
	opts := rembg.Options{
		Request: selection.Request{
			UserModelID: strings.TrimSpace(c.PostForm("model_id")),
			Marketplace: strings.TrimSpace(c.PostForm("marketplace")),
		},
		OutputDir: s.opts.OutputDir,
	}

	flags := []struct {
		name string
		dst  *bool
	}{
		{"fast", &opts.Request.RequireFast},
		{"quality", &opts.Request.RequireHighQuality},
		{"canvas", &opts.Canvas},
	}
	for _, f := range flags {
		v := c.PostForm(f.name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return rembg.Options{}, fmt.Errorf("invalid %s: %q", f.name, v)
		}
		*f.dst = b
	}

	if v := c.PostForm("complexity"); v != "" {
		cx, err := strconv.ParseFloat(v, 64)
		if err != nil || cx < 0 || cx > 1 {
			return rembg.Options{}, fmt.Errorf("invalid complexity: %q", v)
		}
		opts.Request.ImageComplexity = &cx
	}
	return opts, nil
}

func (s *Server) listHistory(c *gin.Context) {
	if s.history == nil {
		fail(c, http.StatusNotFound, "history is not enabled")
		return
	}
	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, fmt.Sprintf("invalid limit: %q", v))
			return
		}
		limit = n
	}
	entries, err := s.history.Recent(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, "load history: "+err.Error())
		return
	}
	ok(c, gin.H{"history": entries, "count": len(entries)})
}
