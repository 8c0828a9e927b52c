package apt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/open-edge-platform/apt-bootstrap/internal/utils/logger"
)

// fetchItem is one file to acquire: where from, where to, and what it must
// hash to when a checksum is known.
type fetchItem struct {
	URL    string
	Dest   string
	SHA256 string
	Size   int64
}

// fetchAll downloads items into place using a pool of workers and a single
// progress bar tracking files completed vs total. Files already present with
// the expected size and checksum are skipped. Download pipelining is opaque
// to callers; the first failure is reported after the pool drains.
func fetchAll(items []fetchItem, workers int) error {
	log := logger.Logger()

	if len(items) == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}

	bar := progressbar.NewOptions(len(items),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	jobs := make(chan fetchItem, len(items))
	errs := make(chan error, len(items))
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				bar.Describe(filepath.Base(item.Dest))
				if err := fetchOne(item); err != nil {
					log.Errorf("downloading %s: %v", item.URL, err)
					errs <- err
				}
				if err := bar.Add(1); err != nil {
					log.Debugf("progress bar: %v", err)
				}
			}
		}()
	}

	for _, item := range items {
		jobs <- item
	}
	close(jobs)
	wg.Wait()
	if err := bar.Finish(); err != nil {
		log.Debugf("progress bar: %v", err)
	}

	close(errs)
	if err := <-errs; err != nil {
		return fmt.Errorf("%v: %w", err, ErrFetchFailed)
	}
	return nil
}

func fetchOne(item fetchItem) error {
	log := logger.Logger()

	if fi, err := os.Stat(item.Dest); err == nil && fi.Size() > 0 {
		if item.Size == 0 || fi.Size() == item.Size {
			if item.SHA256 == "" {
				log.Debugf("skipping existing %s", filepath.Base(item.Dest))
				return nil
			}
			if sum, err := fileSHA256(item.Dest); err == nil && strings.EqualFold(sum, item.SHA256) {
				log.Debugf("skipping existing %s", filepath.Base(item.Dest))
				return nil
			}
		}
		log.Warnf("re-downloading stale %s", filepath.Base(item.Dest))
	}

	if err := os.MkdirAll(filepath.Dir(item.Dest), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(item.Dest), err)
	}

	resp, err := http.Get(item.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", item.URL, resp.Status)
	}

	// Download into the sibling partial directory, then move into place so
	// an interrupted transfer never masquerades as a complete archive.
	partialDir := filepath.Join(filepath.Dir(item.Dest), "partial")
	if err := os.MkdirAll(partialDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", partialDir, err)
	}
	partial := filepath.Join(partialDir, filepath.Base(item.Dest))

	out, err := os.Create(partial)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if item.SHA256 != "" {
		sum, err := fileSHA256(partial)
		if err != nil {
			return err
		}
		if !strings.EqualFold(sum, item.SHA256) {
			return fmt.Errorf("%s: checksum mismatch: expected %s, got %s",
				filepath.Base(item.Dest), item.SHA256, sum)
		}
	}
	return os.Rename(partial, item.Dest)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
