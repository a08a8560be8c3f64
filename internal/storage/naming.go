package storage

import (
	"encoding/base64"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// randomIDLen is the length of the random component of generated names.
const randomIDLen = 8

var (
	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	unsafeExtChars  = regexp.MustCompile(`[^A-Za-z0-9]`)
)

// GenerateName returns a collision-resistant name for an uploaded file:
// {unixMillis}_{randomID}_{sanitizedBase}{ext}. Characters outside
// [A-Za-z0-9_-] in the base name become underscores. The extension keeps its
// leading dot and only [A-Za-z0-9]; it is dropped when nothing survives.
func GenerateName(original string) string {
	base, ext := splitExt(filepath.Base(original))
	base = unsafeNameChars.ReplaceAllString(base, "_")
	if ext != "" {
		ext = unsafeExtChars.ReplaceAllString(ext[1:], "")
		if ext != "" {
			ext = "." + ext
		}
	}

	var b strings.Builder
	b.Grow(len(base) + len(ext) + 24)
	b.WriteString(strconv.FormatInt(time.Now().UnixMilli(), 10))
	b.WriteByte('_')
	b.WriteString(randomID())
	b.WriteByte('_')
	b.WriteString(base)
	b.WriteString(ext)
	return b.String()
}

// splitExt treats dotfiles such as ".env" as having no extension.
func splitExt(name string) (string, string) {
	if name == "." || name == string(filepath.Separator) {
		return "", ""
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		return name, ""
	}
	return base, ext
}

// randomID draws 48 random bits from a v4 UUID (bytes 0-5 carry no
// version or variant bits) and encodes them as 8 URL-safe characters.
func randomID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:6])[:randomIDLen]
}
