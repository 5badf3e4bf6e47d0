// Package icon implements the stable filesystem cache of per-device
// renderer icons (component A).
package icon

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"github.com/nfnt/resize"
)

// DeviceType selects a built-in fallback icon when a device has none of
// its own.
type DeviceType string

const (
	Server DeviceType = "Server"
	Player DeviceType = "Player"
)

const iconSide = 64

// Cache maps a device UID to a local file path under dir, created with
// owner-only permissions on first use.
type Cache struct {
	dir         string
	defaultsDir string
}

// New returns a Cache rooted at dir, creating it (and its parents) with
// 0700 permissions if it does not already exist. defaultsDir holds the
// built-in fallback icons (network-server.png, video-display.png).
func New(dir, defaultsDir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create icon cache dir %q: %w", dir, err)
	}
	return &Cache{dir: dir, defaultsDir: defaultsDir}, nil
}

// Lookup returns the file path for uid's cached icon and true, or ("", false)
// if no icon has been cached for that device yet.
func (c *Cache) Lookup(uid string) (string, bool) {
	path := c.CreatePath(uid)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// CreatePath returns the path an icon for uid would be written to. It makes
// no guarantee that the file exists.
func (c *Cache) CreatePath(uid string) string {
	return filepath.Join(c.dir, safeName(uid))
}

// DefaultFor returns the built-in fallback icon path for a device type.
func (c *Cache) DefaultFor(t DeviceType) string {
	switch t {
	case Server:
		return filepath.Join(c.defaultsDir, "network-server.png")
	case Player:
		return filepath.Join(c.defaultsDir, "video-display.png")
	default:
		return ""
	}
}

// FileURL converts a filesystem path returned by Lookup/CreatePath/
// DefaultFor/Store into the "file URL into icon cache" form §3 specifies
// for Device.IconURI, so every caller renders the same URI shape
// regardless of which of those a path came from.
func FileURL(path string) string {
	if path == "" {
		return ""
	}
	return "file://" + path
}

// Store decodes the image in data (as downloaded from a renderer's icon
// URL), normalizes it to a 64x64 PNG, and writes it into the cache under
// uid. A decode failure is returned to the caller; introspection treats it
// as non-fatal and admits the device without an icon (§4.E).
func (c *Cache) Store(uid string, data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode icon for %s: %w", uid, err)
	}

	resized := resize.Resize(iconSide, iconSide, img, resize.Lanczos3)

	path := c.CreatePath(uid)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create icon file %q: %w", path, err)
	}
	defer f.Close()

	if err := png.Encode(f, resized); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("encode icon for %s: %w", uid, err)
	}

	return path, nil
}

// safeName strips path separators from a UID before it is used as a
// filename; UPnP UDNs are URNs and may not contain them, but discovered
// devices are untrusted input.
func safeName(uid string) string {
	return filepath.Base(filepath.Clean(uid))
}
