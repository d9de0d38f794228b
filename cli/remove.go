package cli

import (
	"fmt"
	"image"
	"os"
	"strings"
	"time"

	"github.com/chaos-io/bgstudio/rembg"
	"github.com/chaos-io/bgstudio/selection"
	"github.com/chaos-io/bgstudio/util"
	nhttp "github.com/chaos-io/bgstudio/util/http"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// RemoveOptions remove 命令的参数
type RemoveOptions struct {
	SelectOptions

	OutputDir string
	Canvas    bool
}

type removeReport struct {
	JobID       string           `json:"job_id"`
	ModelID     string           `json:"model_id"`
	Reason      selection.Reason `json:"reason"`
	Explanation string           `json:"explanation"`
	Complexity  float64          `json:"image_complexity"`
	Attempts    []rembg.Attempt  `json:"attempts"`
	OutputPath  string           `json:"output_path"`
	Size        string           `json:"size"`
	Elapsed     string           `json:"elapsed"`
}

// NewRemoveCommand 创建 remove 命令: 处理一张本地图片或 URL, 输出 <job id>_nobg.png
func NewRemoveCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &RemoveOptions{SelectOptions: SelectOptions{GlobalOptions: globalOpts}}

	cmd := &cobra.Command{
		Use:   "remove <image path|url>",
		Short: "Remove the background of one image",
		Example: `  # Automatic model selection
  bgstudio remove input/sneaker.jpg

  # Force a model and center the result on a white canvas
  bgstudio remove https://example.com/bag.png --model flux-kontext-lora-v2 --canvas`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd, opts, args[0])
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.Model, "model", "", "Requested model id")
	flags.StringVar(&opts.Marketplace, "marketplace", "", "Target marketplace")
	flags.Float64Var(&opts.Complexity, "complexity", 0, "Image complexity in [0, 1] (estimated when omitted)")
	flags.BoolVar(&opts.Fast, "fast", false, "Prefer a fast model")
	flags.BoolVar(&opts.Quality, "quality", false, "Prefer a high quality model")
	flags.StringVar(&opts.OutputDir, "out", "", "Output directory (default output.dir)")
	flags.BoolVar(&opts.Canvas, "canvas", false, "Center the result on a white square canvas")
	return cmd
}

func runRemove(cmd *cobra.Command, opts *RemoveOptions, src string) error {
	ctx := cmd.Context()
	req := selection.Request{
		UserModelID:        opts.Model,
		Marketplace:        opts.Marketplace,
		RequireFast:        opts.Fast,
		RequireHighQuality: opts.Quality,
	}
	if cmd.Flags().Changed("complexity") {
		if opts.Complexity < 0 || opts.Complexity > 1 {
			return fmt.Errorf("complexity must be within [0, 1], got %v", opts.Complexity)
		}
		c := opts.Complexity
		req.ImageComplexity = &c
	}
	outDir := opts.OutputDir
	if outDir == "" {
		outDir = opts.Config.Output.Dir
	}

	var (
		img image.Image
		err error
	)
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		img, err = util.DownloadImage(ctx, nhttp.NewHTTPClient(), src)
	} else {
		img, err = util.OpenImage(src)
	}
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}

	a, err := openApp(ctx, opts.Config)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	start := time.Now()
	res, err := a.processor().Process(ctx, img, rembg.Options{
		Request:   req,
		Canvas:    opts.Canvas,
		OutputDir: outDir,
	})
	if err != nil {
		return err
	}

	report := removeReport{
		JobID:       res.JobID,
		ModelID:     res.Model.ID,
		Reason:      res.Selection.Reason,
		Explanation: res.Selection.Explanation,
		Complexity:  res.Complexity,
		Attempts:    res.Attempts,
		OutputPath:  res.OutputPath,
		Elapsed:     time.Since(start).Round(time.Millisecond).String(),
	}
	if fi, err := os.Stat(res.OutputPath); err == nil {
		report.Size = humanize.Bytes(uint64(fi.Size()))
	}
	return opts.printResult(report)
}
