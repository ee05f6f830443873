package api

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"time"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

// fileSource yields the files of a project for an archive
type fileSource struct {
	files []string
	read  func(rel string) ([]byte, error)
}

// downloadSource prefers the live sandbox and falls back to the last snapshot
func (s *Server) downloadSource(r *http.Request, projectID string) (*fileSource, error) {
	if h, ok := s.deps.Sessions.Lookup(projectID); ok {
		files, err := h.ListFiles(r.Context(), s.opts.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("listing sandbox files: %w", err)
		}
		kept := files[:0]
		for _, f := range files {
			if !s.excluded(f) {
				kept = append(kept, f)
			}
		}
		return &fileSource{files: kept, read: func(rel string) ([]byte, error) {
			return h.ReadFile(r.Context(), path.Join(s.opts.WorkDir, rel))
		}}, nil
	}

	if s.deps.Snapshots == nil {
		return nil, domain.ErrNotFound
	}
	meta, err := s.deps.Snapshots.Metadata(projectID)
	if err != nil {
		return nil, err
	}
	return &fileSource{files: meta.Files, read: func(rel string) ([]byte, error) {
		return s.deps.Snapshots.ReadFile(projectID, rel)
	}}, nil
}

// buildArchive zips every readable file. Unreadable files are skipped.
func buildArchive(src *fileSource) ([]byte, int, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	written := 0
	for _, rel := range src.files {
		data, err := src.read(rel)
		if err != nil {
			log.Printf("api: skipping %s in archive: %v", rel, err)
			continue
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     rel,
			Method:   zip.Deflate,
			Modified: time.Now(),
		})
		if err != nil {
			return nil, 0, err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, 0, err
		}
		written++
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), written, nil
}

func (s *Server) downloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		src, err := s.downloadSource(r, id)
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no files stored for project")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		data, n, err := buildArchive(src)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if n == 0 {
			writeError(w, http.StatusNotFound, "no files stored for project")
			return
		}

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, id))
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.Write(data)
	}
}
