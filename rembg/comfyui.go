package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"mime/multipart"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chaos-io/bgstudio/catalog"
	"github.com/chaos-io/bgstudio/util"
	nhttp "github.com/chaos-io/bgstudio/util/http"
	"github.com/segmentio/ksuid"
)

//go:embed workflow.json
var workflowData []byte

const loadImageClass = "LoadImage"

type ComfyOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// ComfyRemover 在 ComfyUI 上运行内嵌的 BiRefNet 工作流, 服务地址取 ModelInfo.Endpoint
type ComfyRemover struct {
	cli    nhttp.IClient
	opts   ComfyOptions
	logger *slog.Logger
}

type ComfyOption func(*ComfyRemover)

func WithComfyClient(cli nhttp.IClient) ComfyOption {
	return func(c *ComfyRemover) {
		c.cli = cli
	}
}

func WithComfyLogger(l *slog.Logger) ComfyOption {
	return func(c *ComfyRemover) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewComfyRemover(opts ComfyOptions, copts ...ComfyOption) *ComfyRemover {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	c := &ComfyRemover{
		cli:    nhttp.NewHTTPClient(),
		opts:   opts,
		logger: slog.Default(),
	}
	for _, o := range copts {
		o(c)
	}
	return c
}

func (c *ComfyRemover) Remove(ctx context.Context, model *catalog.ModelInfo, img image.Image) (image.Image, error) {
	if model == nil {
		return nil, ErrNoModel
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	base := strings.TrimRight(model.Endpoint, "/")

	uploaded, err := c.uploadImage(ctx, base, img)
	if err != nil {
		return nil, fmt.Errorf("comfyui %s: %w", model.ID, err)
	}

	promptID, err := c.prompt(ctx, base, uploaded.path())
	if err != nil {
		return nil, fmt.Errorf("comfyui %s: %w", model.ID, err)
	}

	output, err := c.waitForOutput(ctx, base, promptID)
	if err != nil {
		return nil, fmt.Errorf("comfyui %s: %w", model.ID, err)
	}

	out, err := c.view(ctx, base, output)
	if err != nil {
		return nil, fmt.Errorf("comfyui %s: %w", model.ID, err)
	}
	return out, nil
}

type comfyFile struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

func (f comfyFile) path() string {
	if f.Subfolder == "" {
		return f.Name
	}
	return path.Join(f.Subfolder, f.Name)
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}
*/
func (c *ComfyRemover) uploadImage(ctx context.Context, base string, img image.Image) (*comfyFile, error) {
	data, err := util.EncodePNG(img)
	if err != nil {
		return nil, err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", ksuid.New().String()+".png")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	resp := &comfyFile{}
	err = c.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: base + "/api/upload/image",
		Method:     "POST",
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
	})
	if err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	if resp.Name == "" {
		return nil, errors.New("upload image: empty file name in response")
	}

	c.logger.DebugContext(ctx, "get the response", "uploaded", resp.path())
	return resp, nil
}

type workflowNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// buildWorkflow 返回内嵌工作流, 所有 LoadImage 节点指向 imageName
func buildWorkflow(imageName string) (map[string]workflowNode, error) {
	wk := map[string]workflowNode{}
	if err := json.Unmarshal(workflowData, &wk); err != nil {
		return nil, fmt.Errorf("unmarshal workflow data: %w", err)
	}
	for id, node := range wk {
		if node.ClassType != loadImageClass {
			continue
		}
		node.Inputs["image"] = imageName
		wk[id] = node
	}
	return wk, nil
}

type promptResp struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (c *ComfyRemover) prompt(ctx context.Context, base, imageName string) (string, error) {
	wk, err := buildWorkflow(imageName)
	if err != nil {
		return "", err
	}

	resp := &promptResp{}
	err = c.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: base + "/api/prompt",
		Method:     "POST",
		Body:       map[string]any{"prompt": wk, "client_id": ksuid.New().String()},
		Response:   resp,
	})
	if err != nil {
		return "", fmt.Errorf("submit prompt: %w", err)
	}
	if len(resp.NodeErrors) > 0 {
		return "", fmt.Errorf("submit prompt: node errors %v", resp.NodeErrors)
	}
	if resp.PromptID == "" {
		return "", errors.New("submit prompt: empty prompt id")
	}

	c.logger.DebugContext(ctx, "get the response", "prompt_id", resp.PromptID, "queue_number", resp.Number)
	return resp.PromptID, nil
}

type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []comfyFile `json:"images"`
	} `json:"outputs"`
}

var errPromptPending = errors.New("prompt still running")

// waitForOutput 轮询 /api/history/<id> 直到有输出图片
func (c *ComfyRemover) waitForOutput(ctx context.Context, base, promptID string) (comfyFile, error) {
	var out comfyFile
	poll := func() error {
		history := map[string]historyEntry{}
		err := c.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
			RequestURI: base + "/api/history/" + promptID,
			Method:     "GET",
			Response:   &history,
		})
		if err != nil {
			return fmt.Errorf("get history: %w", err)
		}

		entry, ok := history[promptID]
		if !ok {
			return errPromptPending
		}
		if entry.Status.StatusStr == "error" {
			return backoff.Permanent(fmt.Errorf("prompt %s failed", promptID))
		}
		for _, node := range entry.Outputs {
			for _, img := range node.Images {
				if img.Filename != "" {
					out = img
					return nil
				}
			}
		}
		if entry.Status.Completed {
			return backoff.Permanent(fmt.Errorf("prompt %s: %w", promptID, ErrNoResult))
		}
		return errPromptPending
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(c.opts.PollInterval), ctx)
	if err := backoff.Retry(poll, b); err != nil {
		return comfyFile{}, err
	}
	return out, nil
}

func (c *ComfyRemover) view(ctx context.Context, base string, f comfyFile) (image.Image, error) {
	var data []byte
	err := c.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: base + "/api/view",
		Method:     "GET",
		Query: map[string]string{
			"filename":  f.Filename,
			"subfolder": f.Subfolder,
			"type":      f.Type,
		},
		Response: &data,
	})
	if err != nil {
		return nil, fmt.Errorf("view output: %w", err)
	}
	return util.DecodeImage(data)
}
