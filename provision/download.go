package provision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	chunkSize           = 32 * 1024
	warningCookiePrefix = "download_warning"

	// interstitial pages are small; anything bigger is not worth scanning
	maxInterstitialBytes = 1 << 20
)

var (
	confirmParam = regexp.MustCompile(`confirm=([0-9A-Za-z_-]+)`)
	confirmInput = regexp.MustCompile(`name="confirm"\s+value="([0-9A-Za-z_-]+)"`)
)

// download fetches src into dst and returns the number of bytes written. The
// blob host may answer with an interstitial page instead of the payload, in
// which case the request is replayed once with the confirmation token.
func download(ctx context.Context, client *http.Client, src Source, dst string) (int64, error) {
	if src.URL == "" {
		return 0, fmt.Errorf("%w: no source url configured", ErrFetch)
	}

	resp, err := get(ctx, client, src, "", nil)
	if err != nil {
		return 0, err
	}

	token, cookie := warningCookie(resp)
	if token == "" && isHTML(resp) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxInterstitialBytes))
		resp.Body.Close()
		token = confirmFromPage(body)
		if token == "" {
			return 0, fmt.Errorf("%w: host returned a page without a confirmation token", ErrFetch)
		}
		resp = nil
	}
	if token != "" {
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		resp, err = get(ctx, client, src, token, cookie)
		if err != nil {
			return 0, err
		}
		if isHTML(resp) {
			resp.Body.Close()
			return 0, fmt.Errorf("%w: host still returned a page after confirmation", ErrFetch)
		}
	}
	defer resp.Body.Close()

	return writeFile(dst, resp.Body)
}

func get(ctx context.Context, client *http.Client, src Source, confirm string, cookie *http.Cookie) (*http.Response, error) {
	u, err := url.Parse(src.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse source url: %v", ErrFetch, err)
	}
	q := u.Query()
	if src.FileID != "" {
		q.Set("id", src.FileID)
	}
	if confirm != "" {
		q.Set("confirm", confirm)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if cookie != nil {
		req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status %s", ErrFetch, resp.Status)
	}
	return resp, nil
}

func warningCookie(resp *http.Response) (string, *http.Cookie) {
	for _, c := range resp.Cookies() {
		if strings.HasPrefix(c.Name, warningCookiePrefix) && c.Value != "" {
			return c.Value, c
		}
	}
	return "", nil
}

func confirmFromPage(body []byte) string {
	if m := confirmInput.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	if m := confirmParam.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}

func isHTML(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html")
}

// writeFile streams r into a temp file next to dst and renames it into place,
// so an interrupted download never leaves a file at dst.
func writeFile(dst string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("%w: create %s: %v", ErrFetch, dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(dst)+".part-*")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.CopyBuffer(tmp, r, make([]byte, chunkSize))
	if err != nil {
		tmp.Close()
		return written, fmt.Errorf("%w: copy: %v", ErrFetch, err)
	}
	if err := tmp.Close(); err != nil {
		return written, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return written, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return written, nil
}
