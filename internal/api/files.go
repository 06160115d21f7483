package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"planscraper/internal/attachment"
	"planscraper/internal/store"
	"planscraper/lib/httputil"
	"planscraper/lib/textutil"
)

// segment rejects anything that could step outside its parent directory.
func segment(name string) bool {
	return name != "" &&
		name != "." &&
		name != ".." &&
		!strings.ContainsAny(name, `/\`) &&
		filepath.Base(name) == name
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// planFolder finds the folder holding a plan's files: the folder named after
// the plan number, else the folder the index recorded for it.
func (h *Handler) planFolder(ctx context.Context, planNumber string) (string, error) {
	if !segment(planNumber) {
		return "", fmt.Errorf("%w: %s", ErrPlanNotFound, planNumber)
	}
	root := h.scraper.OutputRoot()

	dir := filepath.Join(root, attachment.SanitizeFileName(planNumber))
	if isDir(dir) {
		return dir, nil
	}

	if h.opts.Finder != nil {
		record, err := h.opts.Finder.FindByPlan(ctx, planNumber)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			h.tel.ReportWarning(report_files_index, planNumber, err)
		}
		if err == nil && isDir(record.Folder) {
			return record.Folder, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPlanNotFound, planNumber)
}

func listDocuments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := []string{}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if textutil.HasSuffixFold(e.Name(), attachment.Extension) {
			files = append(files, e.Name())
		}
	}
	slices.Sort(files)
	return files, nil
}

type FilesResponse struct {
	PlanNumber string   `json:"planNumber"`
	Path       string   `json:"path"`
	FileCount  int      `json:"fileCount"`
	Files      []string `json:"files"`
}

func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	planNumber := r.PathValue("planNumber")
	dir, err := h.planFolder(r.Context(), planNumber)
	if err != nil {
		h.fail(w, err)
		return
	}
	files, err := listDocuments(dir)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, FilesResponse{
		PlanNumber: planNumber,
		Path:       dir,
		FileCount:  len(files),
		Files:      files,
	})
}

func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	dir, err := h.planFolder(r.Context(), r.PathValue("planNumber"))
	if err != nil {
		h.fail(w, err)
		return
	}

	name := r.PathValue("fileName")
	if !segment(name) {
		h.fail(w, fmt.Errorf("%w: %s", ErrFileNotFound, name))
		return
	}
	file, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		h.fail(w, fmt.Errorf("%w: %s", ErrFileNotFound, name))
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		h.fail(w, fmt.Errorf("%w: %s", ErrFileNotFound, name))
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), file)
}
