package renderer

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"regexp"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/thereceipt/thermal-dispatch/internal/logging"
)

// maxImageBytes bounds how much of a remote image is read.
const maxImageBytes = 16 << 20

var imgTag = regexp.MustCompile(`(?i)<img>(.*?)</img>`)

// Resolver replaces remote <img> references with inline raster hex.
type Resolver struct {
	client     *http.Client
	rasterizer *Rasterizer
}

// NewResolver creates a resolver. A nil client uses http.DefaultClient.
func NewResolver(client *http.Client, rasterizer *Rasterizer) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{
		client:     client,
		rasterizer: rasterizer,
	}
}

// Resolve rewrites every <img>http(s)://...</img> whose image can be
// fetched and decoded into <img>HEX</img>. Every other tag, and every tag
// whose fetch or decode fails, is left exactly as it was.
func (r *Resolver) Resolve(payload string) string {
	return imgTag.ReplaceAllStringFunc(payload, func(tag string) string {
		m := imgTag.FindStringSubmatch(tag)
		src := strings.TrimSpace(m[1])

		if !isRemote(src) {
			return tag
		}

		img, err := r.fetch(src)
		if err != nil {
			logging.Warn("image left unresolved", "src", src, "error", err)
			return tag
		}

		return "<img>" + r.rasterizer.Hex(img) + "</img>"
	})
}

func (r *Resolver) fetch(src string) (image.Image, error) {
	resp, err := r.client.Get(src)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch image: HTTP %d", resp.StatusCode)
	}

	img, _, err := image.Decode(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return img, nil
}

// isRemote matches the scheme case-sensitively; HTTP://... stays untouched.
func isRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}
