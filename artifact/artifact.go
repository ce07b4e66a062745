package artifact

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	// DefaultVersion is the distribution version used when none is configured.
	DefaultVersion = "1.4.0"

	// DefaultURLTemplate is formatted with the version to get the archive URL.
	DefaultURLTemplate = "https://download.elasticsearch.org/elasticsearch/elasticsearch/elasticsearch-%s.zip"
)

// Artifact is a distribution that has been downloaded and extracted on local disk.
type Artifact struct {
	Version string
	// WorkingDir is the resolved directory holding the archive and the extracted distribution.
	WorkingDir string
	// DistDir is the extracted distribution.
	DistDir string
	// Executable is the node launcher script inside DistDir.
	Executable string
}

// AcquisitionError is returned when a distribution could not be downloaded or extracted.
type AcquisitionError struct {
	Version string
	Op      string
	Err     error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquiring elasticsearch %s: %s: %s", e.Version, e.Op, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Downloader fetches zip distributions into a working directory.
// Resolve is idempotent: once the archive and the extracted directory exist, no network or disk work is done.
type Downloader struct {
	Log         *zap.SugaredLogger
	HTTPClient  *http.Client
	URLTemplate string
}

type Option func(d *Downloader)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Downloader) {
		d.Log = l.Named("artifact")
	}
}

func WithURLTemplate(t string) Option {
	return func(d *Downloader) {
		d.URLTemplate = t
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) {
		d.HTTPClient = c
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewDownloader(opts ...Option) *Downloader {
	d := &Downloader{
		Log:         zap.NewNop().Sugar(),
		URLTemplate: DefaultURLTemplate,
	}
	for _, o := range opts {
		o(d)
	}
	if d.HTTPClient == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = 3
		retryClient.RetryWaitMin = 500 * time.Millisecond
		retryClient.RetryWaitMax = 5 * time.Second
		retryClient.Logger = &logAdapter{SugaredLogger: d.Log}
		d.HTTPClient = retryClient.StandardClient()
	}
	return d
}

// Paths returns where the archive and the extracted distribution of version live under dir,
// without touching the network.
func Paths(version, dir string) *Artifact {
	distDir := filepath.Join(dir, "elasticsearch-"+version)
	return &Artifact{
		Version:    version,
		WorkingDir: dir,
		DistDir:    distDir,
		Executable: filepath.Join(distDir, "bin", "elasticsearch"),
	}
}

func archivePath(a *Artifact) string {
	return a.DistDir + ".zip"
}

// Resolve ensures version is downloaded and extracted under dir, and returns its paths.
// An empty version or dir falls back to DefaultVersion and the OS temp dir.
func (d *Downloader) Resolve(ctx context.Context, version, dir string) (*Artifact, error) {
	if version == "" {
		version = DefaultVersion
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &AcquisitionError{Version: version, Op: "creating working dir", Err: err}
	}
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, &AcquisitionError{Version: version, Op: "resolving working dir", Err: err}
	}
	realDir, err = filepath.Abs(realDir)
	if err != nil {
		return nil, &AcquisitionError{Version: version, Op: "resolving working dir", Err: err}
	}

	a := Paths(version, realDir)
	if err := d.download(ctx, a); err != nil {
		return nil, &AcquisitionError{Version: version, Op: "downloading", Err: err}
	}
	if err := d.extract(a); err != nil {
		return nil, &AcquisitionError{Version: version, Op: "extracting", Err: err}
	}
	return a, nil
}

func (d *Downloader) download(ctx context.Context, a *Artifact) error {
	dest := archivePath(a)
	if _, err := os.Stat(dest); err == nil {
		d.Log.Debugw("archive already downloaded", "Path", dest)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat'ing %q: %w", dest, err)
	}

	u := fmt.Sprintf(d.URLTemplate, a.Version)
	d.Log.Infow("downloading distribution", "URL", u, "Path", dest)
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building req: %w", err)
	}
	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("non-200 HTTP status code %d received when fetching %s", resp.StatusCode, u)
	}

	// write next to the destination and rename, so an interrupted download is never mistaken for a complete one
	f, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer os.Remove(f.Name())

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		return fmt.Errorf("copying archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(f.Name(), dest); err != nil {
		return fmt.Errorf("moving archive into place: %w", err)
	}
	d.Log.Infow("downloaded distribution", "Bytes", n, "Duration", time.Since(start))
	return nil
}

// extract unpacks the archive into a staging dir next to DistDir and moves the distribution into place only once
// it is complete, so a failed extraction never leaves a DistDir behind that looks usable.
func (d *Downloader) extract(a *Artifact) error {
	if fi, err := os.Stat(a.Executable); err == nil && fi.Mode().IsRegular() {
		d.Log.Debugw("distribution already extracted", "Path", a.DistDir)
		return nil
	}

	d.Log.Infow("extracting distribution", "Archive", archivePath(a), "Dest", a.WorkingDir)
	zr, err := zip.OpenReader(archivePath(a))
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer zr.Close()

	stagingDir, err := os.MkdirTemp(a.WorkingDir, ".extract-*")
	if err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	for _, zf := range zr.File {
		if err := extractFile(stagingDir, zf); err != nil {
			return err
		}
	}

	staged := filepath.Join(stagingDir, filepath.Base(a.DistDir))
	rel, err := filepath.Rel(a.DistDir, a.Executable)
	if err != nil {
		return err
	}
	executable := filepath.Join(staged, rel)
	if fi, err := os.Stat(executable); err != nil || !fi.Mode().IsRegular() {
		return fmt.Errorf("archive has no executable at %q", filepath.Join(filepath.Base(a.DistDir), rel))
	}
	if err := os.Chmod(executable, 0755); err != nil {
		return fmt.Errorf("making %q executable: %w", executable, err)
	}
	if err := os.MkdirAll(filepath.Join(staged, "logs"), 0755); err != nil {
		return fmt.Errorf("creating logs dir: %w", err)
	}

	// whatever is at DistDir has no executable, so it is left over from an interrupted run
	if err := os.RemoveAll(a.DistDir); err != nil {
		return fmt.Errorf("removing incomplete distribution: %w", err)
	}
	if err := os.Rename(staged, a.DistDir); err != nil {
		return fmt.Errorf("moving distribution into place: %w", err)
	}
	return nil
}

func extractFile(destDir string, zf *zip.File) error {
	target := filepath.Join(destDir, zf.Name)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("archive entry %q escapes destination", zf.Name)
	}
	if zf.FileInfo().IsDir() {
		return os.MkdirAll(target, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("making intermediate dirs: %w", err)
	}

	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("opening archive entry %q: %w", zf.Name, err)
	}
	defer rc.Close()

	mode := zf.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating file %q: %w", target, err)
	}
	_, err = io.Copy(f, rc)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("writing file %q: %w", target, err)
	}
	return nil
}
