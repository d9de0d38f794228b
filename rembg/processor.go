package rembg

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chaos-io/bgstudio/catalog"
	"github.com/chaos-io/bgstudio/history"
	"github.com/chaos-io/bgstudio/imaging"
	"github.com/chaos-io/bgstudio/logger"
	"github.com/chaos-io/bgstudio/selection"
	"github.com/chaos-io/bgstudio/util"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/chaos-io/bgstudio/rembg"

// Selector 处理器用到的选择策略
type Selector interface {
	SelectModel(ctx context.Context, req selection.Request) selection.Result
	GetFallbackModel(ctx context.Context, failedModelID, errorReason string) selection.Result
}

// Recorder 每个任务记录一条处理历史
type Recorder interface {
	Record(ctx context.Context, e history.Entry) error
}

type Canvas struct {
	Size   int
	Margin int
}

type Processor struct {
	selector Selector
	remover  Remover
	recorder Recorder
	maxHops  int
	canvas   Canvas
	logger   *slog.Logger
	tracer   trace.Tracer
}

type ProcessorOption func(*Processor)

// WithMaxFallbackHops 限制首个模型失败后最多尝试几个回退模型, 负数忽略
// 默认取回退链长度, 首个模型不在链上时也能走到链尾
func WithMaxFallbackHops(n int) ProcessorOption {
	return func(p *Processor) {
		if n >= 0 {
			p.maxHops = n
		}
	}
}

func WithRecorder(r Recorder) ProcessorOption {
	return func(p *Processor) {
		p.recorder = r
	}
}

func WithCanvas(c Canvas) ProcessorOption {
	return func(p *Processor) {
		if c.Size > 0 {
			p.canvas = c
		}
	}
}

func WithLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewProcessor(sel Selector, rm Remover, opts ...ProcessorOption) *Processor {
	p := &Processor{
		selector: sel,
		remover:  rm,
		maxHops:  len(selection.DefaultFallbackChain),
		canvas:   Canvas{Size: 1024, Margin: 64},
		logger:   logger.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type Options struct {
	Request selection.Request
	// Canvas 把抠图结果放到白色方形画布上
	Canvas bool
	// OutputDir 非空时把结果保存为 <job id>_nobg.png
	OutputDir string
}

type Attempt struct {
	ModelID     string           `json:"model_id"`
	Reason      selection.Reason `json:"reason"`
	Explanation string           `json:"explanation"`
	Error       string           `json:"error,omitempty"`
	Duration    time.Duration    `json:"duration"`
}

type Result struct {
	JobID string
	Image image.Image
	Model *catalog.ModelInfo
	// Selection 产出 Model 的选择结果, 即初始选择或最后一次回退
	Selection  selection.Result
	Attempts   []Attempt
	Complexity float64
	OutputPath string
}

// ProcessError 所有尝试的模型都失败
type ProcessError struct {
	JobID    string
	Attempts []Attempt
	Err      error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("job %s failed after %d attempt(s): %v", e.JobID, len(e.Attempts), e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Process 选择模型并抠图, 失败时沿回退链重试
func (p *Processor) Process(ctx context.Context, img image.Image, opts Options) (*Result, error) {
	jobID := ksuid.New().String()
	ctx = logger.SetJobID(ctx, jobID)
	log := logger.WithContext(ctx, p.logger)

	ctx, span := p.tracer.Start(ctx, "rembg.Process", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	req := opts.Request
	res := &Result{JobID: jobID}
	if req.ImageComplexity == nil {
		c := imaging.Complexity(img)
		req.ImageComplexity = &c
	}
	res.Complexity = *req.ImageComplexity

	sel := p.selector.SelectModel(ctx, req)
	res.Selection = sel
	log.InfoContext(ctx, "model selected", sel.LogAttrs()...)

	if sel.Model == nil {
		err := fmt.Errorf("%w: %s", ErrNoModel, sel.Explanation)
		p.fail(ctx, span, res, sel, err)
		return nil, err
	}

	tried := make(map[string]bool)
	current := sel
	var lastErr error
	for hop := 0; ; hop++ {
		model := current.Model
		tried[model.ID] = true

		out, attempt, err := p.attempt(ctx, model, current, img)
		res.Attempts = append(res.Attempts, attempt)
		if err == nil {
			res.Model = model
			res.Image = out
			res.Selection = current
			break
		}
		lastErr = err
		log.WarnContext(ctx, "model failed", "model_id", model.ID, "hop", hop, "error", attempt.Error)

		if hop >= p.maxHops || ctx.Err() != nil {
			break
		}
		next := p.selector.GetFallbackModel(ctx, model.ID, attempt.Error)
		if next.Model == nil || tried[next.Model.ID] {
			log.WarnContext(ctx, "no fallback left", next.LogAttrs()...)
			break
		}
		log.InfoContext(ctx, "falling back", next.LogAttrs()...)
		current = next
	}

	if res.Image == nil {
		err := &ProcessError{JobID: jobID, Attempts: res.Attempts, Err: lastErr}
		p.fail(ctx, span, res, current, err)
		return nil, err
	}

	if opts.Canvas {
		res.Image = imaging.Compose(res.Image, p.canvas.Size, p.canvas.Margin)
	}
	if opts.OutputDir != "" {
		path, err := Save(res, opts.OutputDir)
		if err != nil {
			p.fail(ctx, span, res, current, err)
			return nil, err
		}
		res.OutputPath = path
	}

	span.SetAttributes(attribute.String("model.id", res.Model.ID), attribute.Int("attempts", len(res.Attempts)))
	p.record(ctx, history.Entry{
		JobID:           jobID,
		ModelID:         res.Model.ID,
		SelectionReason: string(current.Reason),
		Explanation:     current.Explanation,
		Attempts:        len(res.Attempts),
		Status:          history.StatusSucceeded,
		OutputPath:      res.OutputPath,
	})
	log.InfoContext(ctx, "background removed", "model_id", res.Model.ID, "attempts", len(res.Attempts))
	return res, nil
}

func (p *Processor) attempt(ctx context.Context, model *catalog.ModelInfo, sel selection.Result, img image.Image) (image.Image, Attempt, error) {
	ctx, span := p.tracer.Start(ctx, "rembg.Remove", trace.WithAttributes(
		attribute.String("model.id", model.ID),
		attribute.String("model.provider", model.Provider),
		attribute.String("selection.reason", string(sel.Reason)),
	))
	defer span.End()

	a := Attempt{ModelID: model.ID, Reason: sel.Reason, Explanation: sel.Explanation}
	start := time.Now()
	out, err := p.remover.Remove(ctx, model, imaging.Prepare(img, model.Spec))
	a.Duration = time.Since(start)
	if err == nil && out == nil {
		err = ErrNoResult
	}
	if err != nil {
		a.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, a, err
	}
	return out, a, nil
}

func (p *Processor) fail(ctx context.Context, span trace.Span, res *Result, sel selection.Result, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.record(ctx, history.Entry{
		JobID:           res.JobID,
		ModelID:         sel.ModelID(),
		SelectionReason: string(sel.Reason),
		Explanation:     sel.Explanation,
		Attempts:        len(res.Attempts),
		Status:          history.StatusFailed,
		Error:           err.Error(),
	})
}

func (p *Processor) record(ctx context.Context, e history.Entry) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Record(ctx, e); err != nil {
		logger.WithContext(ctx, p.logger).WarnContext(ctx, "failed to record job", "error", err)
	}
}

// Save 把结果保存为 dir/<job id>_nobg.png
func Save(res *Result, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, res.JobID+"_nobg.png")
	if err := util.SavePNG(path, res.Image); err != nil {
		return "", fmt.Errorf("save result: %w", err)
	}
	return path, nil
}
