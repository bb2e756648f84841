// Package scraper implements component C: drive a headless browser to
// a tender landing page, discover PDF links, download them, and hand
// the bytes to the object store. Every chromedp call is blocking
// native code, so callers run Scrape through a workerpool.Pool.
package scraper

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"tender-pipeline/internal/platform/objectstore"
)

const (
	linkWaitTimeout     = 15 * time.Second
	downloadWaitTimeout = 15 * time.Second
)

// ScrapedDoc is one (file_name, canonical_store_url) pair produced by
// a successful scrape.
type ScrapedDoc struct {
	FileName string
	URL      string
}

// Scraper drives one headless Chrome instance per Scrape call.
type Scraper struct {
	store *objectstore.Client
	log   *zap.Logger
}

// New constructs a Scraper bound to the given object store client.
func New(store *objectstore.Client, log *zap.Logger) *Scraper {
	return &Scraper{store: store, log: log}
}

// Scrape opens landingURL, waits up to 15s for at least one anchor
// whose target ends in ".pdf", attempts a browser download per link
// (see downloadViaClick), uploads the file if it materializes and
// otherwise uploads from the link's URL directly, and returns the documents
// obtained or nil if none were found. The browser instance is
// released on every exit path.
func (s *Scraper) Scrape(ctx context.Context, landingURL, tenderID string) ([]ScrapedDoc, error) {
	if landingURL == "" {
		return nil, fmt.Errorf("scraper: empty landing URL")
	}

	downloadDir, err := os.MkdirTemp("", "tender-scrape-*")
	if err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	defer os.RemoveAll(downloadDir)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var hrefs []string
	waitCtx, cancelWait := context.WithTimeout(browserCtx, linkWaitTimeout)
	defer cancelWait()

	err = chromedp.Run(waitCtx,
		chromedp.Navigate(landingURL),
		chromedp.WaitVisible(`a[href$=".pdf"]`, chromedp.ByQuery),
		chromedp.Evaluate(`Array.from(document.querySelectorAll('a[href$=".pdf"]')).map(a => a.href)`, &hrefs),
	)
	if err != nil || len(hrefs) == 0 {
		s.log.Warn("scraper: no pdf links found", zap.String("landing_url", landingURL), zap.Error(err))
		return nil, nil
	}

	var docs []ScrapedDoc
	for n, href := range hrefs {
		fileName := deriveFileName(href, n)
		data, err := s.downloadViaClick(browserCtx, href, downloadDir)
		var docURL string
		if err == nil {
			docURL = s.store.UploadBytes(ctx, data, fileName, tenderID)
		} else {
			s.log.Warn("scraper: click-driven download failed, falling back to direct URL",
				zap.String("href", href), zap.Error(err))
			docURL = s.store.UploadFromURL(ctx, href, fileName, tenderID)
		}
		if docURL != "" {
			docs = append(docs, ScrapedDoc{FileName: fileName, URL: docURL})
		}
	}

	if len(docs) == 0 {
		return nil, nil
	}
	return docs, nil
}

// downloadViaClick navigates the browser to href and waits up to
// downloadWaitTimeout for a new file to appear in downloadDir. It does
// not click the link and does not set the browser's download directory,
// so a file appears there only if the browser already saves downloads
// into downloadDir; otherwise it returns a timeout error.
func (s *Scraper) downloadViaClick(browserCtx context.Context, href, downloadDir string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(browserCtx, downloadWaitTimeout)
	defer cancel()

	before := listDir(downloadDir)

	err := chromedp.Run(ctx,
		chromedp.Navigate(href),
	)
	if err != nil {
		return nil, fmt.Errorf("navigate to %s: %w", href, err)
	}

	deadline := time.Now().Add(downloadWaitTimeout)
	for time.Now().Before(deadline) {
		after := listDir(downloadDir)
		if newFile, ok := diff(before, after); ok {
			data, err := os.ReadFile(filepath.Join(downloadDir, newFile))
			if err != nil {
				return nil, err
			}
			return data, nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return nil, fmt.Errorf("file did not materialize within %s", downloadWaitTimeout)
}

func listDir(dir string) map[string]bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}
	return names
}

func diff(before, after map[string]bool) (string, bool) {
	for name := range after {
		if !before[name] {
			return name, true
		}
	}
	return "", false
}

// deriveFileName extracts the last path segment of href, or
// synthesizes "document_{n}.pdf" if the URL has none.
func deriveFileName(href string, n int) string {
	u := strings.TrimRight(href, "/")
	base := path.Base(u)
	if base == "" || base == "." || base == "/" {
		return fmt.Sprintf("document_%d.pdf", n)
	}
	return base
}
