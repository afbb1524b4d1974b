// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pretrained fetches published pretrained state -- checkpoint files
// holding previously trained parameter values -- over HTTP, with a progress
// bar and optional SHA256 verification.
//
// The typical flow pulls a released checkpoint before loading it into a
// parameter store:
//
//	err := pretrained.FetchIfMissing(url, file, sha256Hex)
//	...
//	st := params.NewStore()
//	err = st.LoadCheckpoint(filepath.Dir(file))
package pretrained

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Fetch downloads url into filePath, creating parent directories as needed.
// If showProgress is set, a progress bar is drawn on stdout while
// transferring. It returns the number of bytes written.
func Fetch(url, filePath string, showProgress bool) (size int64, err error) {
	filePath, err = fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return 0, err
	}
	if err = os.MkdirAll(path.Dir(filePath), 0777); err != nil && !os.IsExist(err) {
		return 0, errors.Wrapf(err, "failed to create directory for %q", path.Dir(filePath))
	}
	var file *os.File
	file, err = os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", filePath)
	}
	client := http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	var resp *http.Response
	resp, err = client.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	if showProgress {
		size, err = copyWithProgressBar(file, resp.Body, resp.ContentLength)
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", filePath)
	}
	if err = resp.Body.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing connection to %q", url)
	}
	return size, nil
}

// FetchIfMissing downloads url into filePath unless the file already exists.
// When sha256Hex is not empty, the file checksum is verified -- also for a
// pre-existing file -- and a mismatching file is removed.
func FetchIfMissing(url, filePath, sha256Hex string) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return err
	}
	if !exists {
		fmt.Printf("Downloading %s ...\n", url)
		if _, err = Fetch(url, filePath, true); err != nil {
			return err
		}
	}
	if sha256Hex == "" {
		return nil
	}
	return ValidateChecksum(filePath, sha256Hex)
}

// ValidateChecksum verifies that the file at path matches the given SHA256
// hash (hex-encoded). On mismatch the file is removed, so a corrupted
// download is fetched again on the next attempt.
func ValidateChecksum(path, sha256Hex string) error {
	hasher := sha256.New()
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close() // Discard reading error on Close.
	}()
	if _, err = io.Copy(hasher, f); err != nil {
		return err
	}
	fileHash := hex.EncodeToString(hasher.Sum(nil))
	if fileHash != strings.ToLower(sha256Hex) {
		err = errors.Errorf("file %q sha256 hash is %q, but expected %q, deleting file",
			path, fileHash, sha256Hex)
		if e2 := os.Remove(path); e2 != nil {
			klog.Errorf("Failed to remove %q, which failed the checksum test. Please remove it. %+v", path, e2)
		}
		return err
	}
	return nil
}

// progressWriter forwards writes while advancing a progress bar scaled to
// whole units, so large downloads don't overflow the bar's int API.
type progressWriter struct {
	w                    io.Writer
	bar                  *progressbar.ProgressBar
	unit, written, added int64
}

func newProgressWriter(w io.Writer, contentLength int64) *progressWriter {
	pw := &progressWriter{w: w, unit: 1}
	for contentLength > pw.unit*1024*1024 {
		pw.unit *= 1024
	}
	description := "?? bytes"
	if contentLength >= 0 {
		description = humanize.Bytes(uint64(contentLength))
	}
	numUnits := (contentLength + pw.unit - 1) / pw.unit
	pw.bar = progressbar.NewOptions(int(numUnits),
		progressbar.OptionSetDescription(description),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: ".",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return pw
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.written += int64(n)
	if units := pw.written/pw.unit - pw.added; units > 0 {
		pw.added += units
		_ = pw.bar.Add(int(units))
	}
	return n, err
}

func (pw *progressWriter) finish() {
	if remaining := (pw.written+pw.unit-1)/pw.unit - pw.added; remaining > 0 {
		_ = pw.bar.Add(int(remaining))
	}
	_ = pw.bar.Close()
	fmt.Println()
}

func copyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64) (int64, error) {
	pw := newProgressWriter(dst, contentLength)
	n, err := io.Copy(pw, src)
	pw.finish()
	return n, err
}
