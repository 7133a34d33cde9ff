// Package imaging decodes cached bytes into in-memory images and accounts for
// their pixel-buffer footprint, which is what the memory tier budgets against.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"sync"

	// 注册常见图片格式解码器。
	_ "image/gif"
	_ "image/jpeg"
)

// ErrUndecodable 表示缓存字节无法被解码为图片（损坏或不支持的格式）。
var ErrUndecodable = errors.New("image bytes undecodable")

// ErrReleased 表示 Payload 的像素缓冲已被显式释放。
var ErrReleased = errors.New("image payload released")

// Payload 是解码后的图片及其内存占用，Bytes 按像素缓冲计算而非编码后大小。
type Payload struct {
	Key    string
	Format string
	Width  int
	Height int
	Bytes  int64

	mu    sync.RWMutex
	image image.Image
}

// New 以 img 构建 Payload，并按像素缓冲估算占用。
func New(key, format string, img image.Image) *Payload {
	bounds := img.Bounds()
	return &Payload{
		Key:    key,
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Bytes:  SizeOf(img),
		image:  img,
	}
}

// Decode 读取 r 全部内容并解码，失败统一包装为 ErrUndecodable。
func Decode(key string, r io.Reader) (*Payload, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return New(key, format, img), nil
}

// Image 返回像素数据；释放后返回 nil。
func (p *Payload) Image() image.Image {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.image
}

// Release 显式释放像素缓冲，之后所有持有者都只能看到空图片。
func (p *Payload) Release() {
	p.mu.Lock()
	p.image = nil
	p.mu.Unlock()
}

// Released reports whether Release has been called.
func (p *Payload) Released() bool {
	return p.Image() == nil
}

// Encode 将 Payload 以 PNG 写出，供 HTTP 展示面返回。
func Encode(w io.Writer, p *Payload) error {
	img := p.Image()
	if img == nil {
		return ErrReleased
	}
	return png.Encode(w, img)
}

// SizeOf 估算 img 的像素缓冲字节数（行跨度 × 高度）。
func SizeOf(img image.Image) int64 {
	if img == nil {
		return 0
	}
	bounds := img.Bounds()
	h := int64(bounds.Dy())
	switch m := img.(type) {
	case *image.RGBA:
		return int64(m.Stride) * h
	case *image.NRGBA:
		return int64(m.Stride) * h
	case *image.RGBA64:
		return int64(m.Stride) * h
	case *image.NRGBA64:
		return int64(m.Stride) * h
	case *image.Gray:
		return int64(m.Stride) * h
	case *image.Gray16:
		return int64(m.Stride) * h
	case *image.Paletted:
		return int64(m.Stride) * h
	case *image.Alpha:
		return int64(m.Stride) * h
	case *image.CMYK:
		return int64(m.Stride) * h
	case *image.YCbCr:
		return int64(len(m.Y) + len(m.Cb) + len(m.Cr))
	default:
		return int64(bounds.Dx()) * h * 4
	}
}
