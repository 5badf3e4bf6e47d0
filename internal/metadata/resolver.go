// Package metadata implements the Metadata Resolver (component B): given a
// local file and a caller-supplied, possibly partial, metadata mapping, it
// fills in the fields a Host Lease needs without ever overwriting a value
// the caller already supplied.
package metadata

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"korva/internal/korvaerr"
)

// UPnPClass values recognized by the decision table (§4.B).
const (
	ClassVideoItem  = "object.item.videoItem"
	ClassAudioTrack = "object.item.audioItem.musicTrack"
	ClassPhoto      = "object.item.imageItem.photo"
)

// Record is a fully or partially resolved metadata record for a pushed file.
type Record struct {
	Size        int64
	ContentType string
	Title       string
	DLNAProfile string
	UPnPClass   string
}

// sniffLimit bounds how much of the file mimetype.DetectReader reads before
// giving up; mirrors the library's own default header size.
const sniffLimit = 3072

// Resolve fills the gaps in partial using the file at path. Any
// caller-supplied field in partial is preserved verbatim.
func Resolve(path string, partial Record) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, korvaerr.New("metadata.Resolve", korvaerr.FileNotFound, err)
		}
		if os.IsPermission(err) {
			return Record{}, korvaerr.New("metadata.Resolve", korvaerr.NotAccessible, err)
		}
		return Record{}, korvaerr.New("metadata.Resolve", korvaerr.NotAccessible, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Record{}, korvaerr.New("metadata.Resolve", korvaerr.NotAccessible, err)
	}

	rec := partial

	if rec.Size == 0 {
		rec.Size = info.Size()
	}

	if rec.Title == "" {
		rec.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	if rec.ContentType == "" {
		mt, err := mimetype.DetectReader(io.LimitReader(f, sniffLimit))
		if err != nil {
			return Record{}, korvaerr.New("metadata.Resolve", korvaerr.NotAccessible, err)
		}
		rec.ContentType = mt.String()
	}

	if rec.UPnPClass == "" {
		rec.UPnPClass = classFor(rec.ContentType)
	}

	if rec.DLNAProfile == "" {
		rec.DLNAProfile = guessDLNAProfile(path, rec, f)
	}

	return rec, nil
}

func classFor(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, "/")
	switch mediaType {
	case "video":
		return ClassVideoItem
	case "audio":
		return ClassAudioTrack
	case "image":
		return ClassPhoto
	default:
		return ""
	}
}

// guessDLNAProfile implements the fixed decision table from §4.B. It
// returns "" when no entry applies, matching the original's behavior of
// leaving DLNAProfile unset rather than inventing a guess (korva-upnp-
// metadata-query.c additionally guesses profiles for content types this
// table does not cover; the spec's table is authoritative here).
func guessDLNAProfile(path string, rec Record, f *os.File) string {
	switch {
	case rec.UPnPClass == ClassVideoItem && rec.ContentType == "video/mp4" && strings.Contains(filepath.ToSlash(path), "/DCIM/"):
		return "MPEG4_P2_MP4_SP_L6_AAC"
	case rec.UPnPClass == ClassPhoto && rec.ContentType == "image/png":
		return "PNG_LRG"
	case rec.UPnPClass == ClassPhoto && rec.ContentType == "image/jpeg":
		return jpegProfile(f)
	case rec.UPnPClass == ClassAudioTrack && rec.ContentType == "audio/mpeg":
		return "MP3"
	default:
		return ""
	}
}

func jpegProfile(f *os.File) string {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return ""
	}
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return ""
	}

	switch {
	case cfg.Width <= 640 && cfg.Height <= 480:
		return "JPEG_SM"
	case cfg.Width <= 1024 && cfg.Height <= 768:
		return "JPEG_MED"
	case cfg.Width <= 4096 && cfg.Height <= 4096:
		return "JPEG_LRG"
	default:
		return ""
	}
}

// ProtocolInfo renders the four-tuple ProtocolInfo string a Host Lease
// carries for ConnectionManager Sink matching (§3, §4.E), grounded on
// korva-upnp-host-data.c's GUPnPProtocolInfo construction:
// "http-get:*:<mime>:DLNA.ORG_CI=0;DLNA.ORG_OP=01[;DLNA.ORG_PN=<profile>]".
func ProtocolInfo(rec Record) string {
	info := fmt.Sprintf("http-get:*:%s:DLNA.ORG_CI=0;DLNA.ORG_OP=01", rec.ContentType)
	if rec.DLNAProfile != "" {
		info += ";DLNA.ORG_PN=" + rec.DLNAProfile
	}
	return info
}

// ContentFeatures renders the contentFeatures.dlna.org response header
// value (§4.C, §8): "*" when no DLNA profile is known, otherwise
// "http-get:*:<mime>:DLNA.ORG_PN=<profile>;DLNA.ORG_OP=01".
func ContentFeatures(rec Record) string {
	if rec.DLNAProfile == "" {
		return "*"
	}
	return fmt.Sprintf("http-get:*:%s:DLNA.ORG_PN=%s;DLNA.ORG_OP=01", rec.ContentType, rec.DLNAProfile)
}
