package chat

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const attachmentURLPrefix = "/attachments/"

var allowedAttachmentExt = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".pdf": true,
}

// saveAttachment stores an uploaded file under dir with a random name and
// returns the reference clients use to fetch it.
func saveAttachment(dir string, file multipart.File, header *multipart.FileHeader) (string, error) {
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedAttachmentExt[ext] {
		return "", fmt.Errorf("%w %q", ErrUnsupportedFile, ext)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create attachments dir: %w", err)
	}

	name := uuid.NewString() + ext
	dst, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return attachmentURLPrefix + name, nil
}

// removeAttachment deletes a file stored by saveAttachment.
func removeAttachment(dir, ref string) error {
	name := filepath.Base(strings.TrimPrefix(ref, attachmentURLPrefix))
	return os.Remove(filepath.Join(dir, name))
}
