package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/switchboardhq/switchboard/pkg/models"
)

// LocalFileArchiver writes conversations as JSONL, one conversation with
// its full message log per line:
//
//	{basePath}/{tenant}/conversations/2026-02-20T15-04-05Z-1a2b3c4d.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
	now      func() time.Time
}

// NewLocalFileArchiver creates a file archiver. An empty basePath means
// ~/.switchboard/archive.
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = filepath.Join(os.TempDir(), "switchboard", "archive")
		} else {
			basePath = filepath.Join(home, ".switchboard", "archive")
		}
	} else if strings.HasPrefix(basePath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			basePath = filepath.Join(home, basePath[2:])
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress, now: time.Now}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

// ArchiveConversations writes convs to a new file and returns its path.
// A partially written file is removed.
func (a *LocalFileArchiver) ArchiveConversations(_ context.Context, tenantID string, convs []models.Conversation) (uri string, err error) {
	dir := filepath.Join(a.basePath, safeSegment(tenantID), "conversations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	name := a.now().UTC().Format("2006-01-02T15-04-05Z") + "-" + uuid.NewString()[:8] + ".jsonl"
	if a.compress {
		name += ".gz"
	}
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close archive file: %w", cerr)
		}
		if err != nil {
			os.Remove(path)
			uri = ""
		}
	}()

	var w io.Writer = f
	var gw *gzip.Writer
	if a.compress {
		gw = gzip.NewWriter(f)
		w = gw
	}

	enc := json.NewEncoder(w)
	for _, c := range convs {
		if err := enc.Encode(c); err != nil {
			return "", fmt.Errorf("encode conversation %s: %w", c.Key, err)
		}
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			return "", fmt.Errorf("flush archive: %w", err)
		}
	}

	log.Debug().Str("path", path).Int("count", len(convs)).Str("tenant", tenantID).
		Msg("Archived conversations to local file")
	return path, nil
}

func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	probe := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(probe)
	return nil
}

// safeSegment keeps a tenant ID from escaping the archive root.
func safeSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" {
		return "_"
	}
	return s
}
