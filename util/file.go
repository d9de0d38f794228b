package util

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"strings"

	nhttp "github.com/chaos-io/bgstudio/util/http"
	_ "golang.org/x/image/webp"
)

const dataURIPrefix = "data:"

// DecodeImage 解码 PNG, JPEG, GIF 或 WebP 数据
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// DownloadImage 下载图片, 同时支持 data URI
func DownloadImage(ctx context.Context, cli nhttp.IClient, url string) (image.Image, error) {
	if strings.HasPrefix(url, dataURIPrefix) {
		data, err := DecodeDataURI(url)
		if err != nil {
			return nil, err
		}
		return DecodeImage(data)
	}

	var data []byte
	err := cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: url,
		Method:     "GET",
		Response:   &data,
	})
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	return DecodeImage(data)
}

// OpenImage 打开本地图片
func OpenImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()

	img, _, err := image.Decode(file)
	return img, err
}

// EncodePNG 编码为 PNG
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeDataURI 编码为 data:image/png;base64,...
func EncodeDataURI(img image.Image) (string, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}

func DecodeDataURI(uri string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, dataURIPrefix), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, errors.New("unsupported data uri")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data uri: %w", err)
	}
	return data, nil
}

// SavePNG 保存为 PNG 文件
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode png: %w", err)
	}
	return f.Close()
}
