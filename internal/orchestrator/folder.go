package orchestrator

import (
	"os"
	"path/filepath"

	"planscraper/internal/attachment"
)

const report_rename = "folder.rename"

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// settleFolder picks the folder a case's files live in. A case starts out
// under its case key and moves to its plan number once that is known, but a
// rename never replaces an existing folder: if both exist the case stays
// where it is.
func (o *Orchestrator) settleFolder(caseId, planNumber string) string {
	caseDir := filepath.Join(o.outputRoot, caseId)
	if planNumber == "" {
		return caseDir
	}
	planDir := filepath.Join(o.outputRoot, attachment.SanitizeFileName(planNumber))
	if planDir == caseDir {
		return caseDir
	}

	if !dirExists(caseDir) {
		return planDir
	}
	if dirExists(planDir) {
		return caseDir
	}

	err := os.Rename(caseDir, planDir)
	if err != nil {
		o.tel.ReportWarning(report_rename, caseId, err)
		return caseDir
	}
	return planDir
}
