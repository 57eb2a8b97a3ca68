package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ilokitv/awgbot/internal/models"
)

// Local выполняет команды на этой же машине через sh -c
type Local struct {
	Timeout time.Duration
}

// NewLocal создает локальный транспорт
func NewLocal(timeout time.Duration) *Local {
	return &Local{Timeout: timeout}
}

func (l *Local) Exec(ctx context.Context, server models.Server, command string) (Result, error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// дочерние процессы sh могут держать pipe после kill
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, &models.TransportError{Server: server.ID, Op: "exec", Err: ctx.Err()}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, &models.TransportError{Server: server.ID, Op: "exec", Err: err}
}

func (l *Local) Upload(_ context.Context, server models.Server, path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return &models.TransportError{Server: server.ID, Op: "upload", Err: err}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return &models.TransportError{Server: server.ID, Op: "upload", Err: fmt.Errorf("write %s: %w", path, err)}
	}
	return nil
}
