package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cellpose-tools/cellpose-console/internal/backend"
	"github.com/cellpose-tools/cellpose-console/internal/tasks"
)

func (c *cli) ping(ctx context.Context, client *backend.Client) error {
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("backend at %s unreachable: %w", client.BaseURL(), err)
	}
	_, err := fmt.Fprintf(c.out, "backend reachable at %s\n", client.BaseURL())
	return err
}

func (c *cli) upload(ctx context.Context, client *backend.Client) error {
	req := backend.UploadRequest{
		Model:             *c.uploadModel,
		FlowThreshold:     c.uploadFlow,
		CellprobThreshold: c.uploadCellprob,
	}
	if raw := strings.TrimSpace(*c.uploadDiameter); raw != "" {
		d, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parse diameter: %w", err)
		}
		req.Diameter = &d
	}

	for _, path := range *c.uploadFiles {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		req.Files = append(req.Files, backend.File{Name: path, Content: f})
	}

	result, err := client.Upload(ctx, req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if _, err := fmt.Fprintf(c.out, "task %s started with %d file(s)\n", result.ID, result.Count); err != nil {
		return err
	}

	if !*c.uploadWait {
		return nil
	}
	status, err := waitForTask(ctx, client, result.ID, *c.uploadPollEvery)
	if err != nil {
		return err
	}
	return c.printStatus(status)
}

func (c *cli) status(ctx context.Context, client *backend.Client, id string) error {
	status, err := client.Status(ctx, id)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	return c.printStatus(status)
}

func (c *cli) printStatus(status backend.TaskStatus) error {
	if !status.Exists {
		_, err := fmt.Fprintf(c.out, "task %s: not found\n", status.ID)
		return err
	}
	line := fmt.Sprintf("task %s: %s", status.ID, status.State)
	if status.UpdatedAt != "" {
		line += " (updated " + status.UpdatedAt + ")"
	}
	if status.Error != "" {
		line += ": " + status.Error
	}
	_, err := fmt.Fprintln(c.out, line)
	return err
}

// localName returns id when it is usable as a single path element below the download dir.
func localName(id string) (string, error) {
	if id == "." || !filepath.IsLocal(id) || filepath.Base(id) != id {
		return "", fmt.Errorf("task id %q cannot be used as a file name", id)
	}
	return id, nil
}

func (c *cli) preview(ctx context.Context, client *backend.Client, dir, id string) error {
	name, err := localName(id)
	if err != nil {
		return err
	}
	overlays, err := client.Preview(ctx, id)
	if err != nil {
		return fmt.Errorf("preview: %w", err)
	}

	target := filepath.Join(dir, name)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	for _, o := range overlays {
		path := filepath.Join(target, filepath.Base(o.Filename))
		if err := os.WriteFile(path, o.Image, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		if _, err := fmt.Fprintln(c.out, path); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) download(ctx context.Context, client *backend.Client, dir, id string) error {
	name, err := localName(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, name+".zip")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	n, err := client.Download(ctx, id, f)
	closeErr := f.Close()
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("download: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", path, closeErr)
	}

	_, err = fmt.Fprintf(c.out, "%s (%d bytes)\n", path, n)
	return err
}

// waitForTask polls the backend until the task reaches a terminal state or disappears.
func waitForTask(ctx context.Context, client *backend.Client, id string, interval time.Duration) (backend.TaskStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last backend.TaskStatus
	for {
		status, err := client.Status(ctx, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return last, ctxErr
			}
			return last, fmt.Errorf("status: %w", err)
		}
		last = status
		if !status.Exists || status.State == tasks.StateSuccess || status.State == tasks.StateFailed {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
