package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/flowstt/internal/config"
	"github.com/loqalabs/flowstt/internal/protocol"
)

var (
	ErrModelPresent       = errors.New("model already downloaded")
	ErrDownloadInProgress = errors.New("model download already in progress")
)

// Models tracks the on-disk model file and downloads it on request.
type Models struct {
	path   string
	url    string
	client *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	downloading bool
	lastErr     error
	wg          sync.WaitGroup
}

func NewModels(cfg config.STTConfig, logger *slog.Logger) *Models {
	return &Models{
		path:   cfg.ModelPath,
		url:    cfg.ModelURL,
		client: &http.Client{Timeout: 30 * time.Minute},
		logger: logger.With(slog.String("component", "stt.models")),
	}
}

func (m *Models) Status() protocol.ModelStatus {
	info, err := os.Stat(m.path)
	return protocol.ModelStatus{
		Available: err == nil && info.Mode().IsRegular() && info.Size() > 0,
		Path:      m.path,
	}
}

// StartDownload begins a background download and returns immediately.
func (m *Models) StartDownload(ctx context.Context) error {
	if m.Status().Available {
		return ErrModelPresent
	}
	if m.url == "" {
		return errors.New("no model url configured")
	}
	m.mu.Lock()
	if m.downloading {
		m.mu.Unlock()
		return ErrDownloadInProgress
	}
	m.downloading = true
	m.lastErr = nil
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.download(ctx)
		m.mu.Lock()
		m.downloading = false
		m.lastErr = err
		m.mu.Unlock()
		if err != nil {
			m.logger.Warn("model download failed", slogError(err))
			return
		}
		m.logger.Info("model downloaded", slog.String("path", m.path))
	}()
	return nil
}

// Wait blocks until any running download has finished and returns its error.
func (m *Models) Wait() error {
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Models) download(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch model: unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close model: %w", err)
	}
	if n == 0 {
		return errors.New("fetch model: empty body")
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("install model: %w", err)
	}
	return nil
}

// CudaStatus reports whether GPU inference is configured and whether a CUDA
// runtime is visible on this host.
func CudaStatus(cfg config.STTConfig, engine Engine) protocol.CudaStatus {
	_, err := exec.LookPath("nvidia-smi")
	return protocol.CudaStatus{
		BuildEnabled:     cfg.GPU,
		RuntimeAvailable: err == nil,
		SystemInfo:       engine.SystemInfo(),
	}
}
