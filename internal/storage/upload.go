package storage

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/pdfscribe/internal/common"
	"github.com/jo-hoe/pdfscribe/internal/util"
)

var (
	ErrNoFile      = errors.New("no file provided")
	ErrNotPDF      = errors.New("only PDF files are supported")
	ErrFileTooBig  = errors.New("uploaded file exceeds size limit")
	pdfMagic       = []byte("%PDF-")
	magicSearchLen = 1024
)

// Uploader handles storing uploaded PDFs on disk until their job is finished.
type Uploader struct {
	baseDir string
}

// NewUploader creates an uploader that stores to baseDir/uploads.
func NewUploader(baseDir string) *Uploader {
	return &Uploader{baseDir: filepath.Join(baseDir, common.UploadsDirName)}
}

// Dir returns the directory uploads are written to.
func (u *Uploader) Dir() string {
	return u.baseDir
}

// SaveMultipartPDF validates and stores an uploaded PDF to disk.
// It returns the file path and a cleanup function that deletes the file.
// The file must carry a .pdf name or application/pdf type, and start with a PDF header.
func (u *Uploader) SaveMultipartPDF(fileHeader *multipart.FileHeader, maxBytes int64) (string, func() error, error) {
	if fileHeader == nil {
		return "", nil, ErrNoFile
	}
	if !looksLikePDF(fileHeader) {
		return "", nil, fmt.Errorf("%w: %s", ErrNotPDF, fileHeader.Filename)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	br := bufio.NewReaderSize(src, magicSearchLen)
	head, _ := br.Peek(magicSearchLen)
	if !bytes.Contains(head, pdfMagic) {
		return "", nil, fmt.Errorf("%w: missing PDF header", ErrNotPDF)
	}

	if err := os.MkdirAll(u.baseDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("ensure uploads dir: %w", err)
	}
	dstPath := filepath.Join(u.baseDir, util.NewID()+common.ExtPDF)
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("create upload file: %w", err)
	}

	reader := io.Reader(br)
	if maxBytes > 0 {
		reader = io.LimitReader(br, maxBytes+1)
	}
	n, err := io.Copy(dst, reader)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil && maxBytes > 0 && n > maxBytes {
		err = ErrFileTooBig
	}
	if err != nil {
		_ = os.Remove(dstPath)
		if errors.Is(err, ErrFileTooBig) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("copy upload: %w", err)
	}

	cleanup := func() error {
		return os.Remove(dstPath)
	}
	return dstPath, cleanup, nil
}

func looksLikePDF(fh *multipart.FileHeader) bool {
	if strings.EqualFold(filepath.Ext(fh.Filename), common.ExtPDF) {
		return true
	}
	mt := strings.ToLower(strings.TrimSpace(fh.Header.Get("Content-Type")))
	return mt == common.MimePDF
}
