package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func samplePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("编码 PNG 失败: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeComputesPixelSize(t *testing.T) {
	p, err := Decode("k", bytes.NewReader(samplePNG(t, 4, 3)))
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if p.Format != "png" {
		t.Fatalf("格式应为 png，得到 %s", p.Format)
	}
	if p.Width != 4 || p.Height != 3 {
		t.Fatalf("尺寸错误: %dx%d", p.Width, p.Height)
	}
	if p.Bytes != 4*4*3 {
		t.Fatalf("像素缓冲大小应为 48，得到 %d", p.Bytes)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("k", bytes.NewReader([]byte("not an image")))
	if !errors.Is(err, ErrUndecodable) {
		t.Fatalf("期望 ErrUndecodable，得到 %v", err)
	}
}

func TestReleaseDropsImage(t *testing.T) {
	p := New("k", "png", image.NewRGBA(image.Rect(0, 0, 2, 2)))
	p.Release()
	if !p.Released() {
		t.Fatalf("Release 后应标记为已释放")
	}
	if err := Encode(&bytes.Buffer{}, p); !errors.Is(err, ErrReleased) {
		t.Fatalf("释放后编码应失败，得到 %v", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	p, err := Decode("k", bytes.NewReader(samplePNG(t, 2, 2)))
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	var buf bytes.Buffer
	if err := Encode(&buf, p); err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	if _, err := Decode("k", &buf); err != nil {
		t.Fatalf("重新解码失败: %v", err)
	}
}
