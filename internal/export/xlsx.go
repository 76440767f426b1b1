// Package export renders job reports as spreadsheets.
package export

import (
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/contracts-cli/internal/model"
)

// Sheet names in the workbook.
const (
	SheetJobs    = "Jobs"
	SheetSummary = "Summary"
)

// JobColumns is the header row of the Jobs sheet.
var JobColumns = []string{
	"ID", "Filename", "Status", "Score", "Strategy", "Attempts",
	"Uploaded At", "Updated At", "Error",
}

// WriteJobs writes a workbook with one row per job plus a per-status
// summary sheet.
func WriteJobs(w io.Writer, jobs []model.Job) error {
	f := xlsx.NewFile()

	sheet, err := f.AddSheet(SheetJobs)
	if err != nil {
		return eris.Wrap(err, "export: add jobs sheet")
	}
	addHeader(sheet, JobColumns)

	counts := make(map[model.JobStatus]int, 4)
	for i := range jobs {
		j := &jobs[i]
		counts[j.Status]++

		row := sheet.AddRow()
		row.AddCell().SetString(j.ID)
		row.AddCell().SetString(j.Filename)
		row.AddCell().SetString(string(j.Status))
		if j.OverallScore != nil {
			row.AddCell().SetFloat(*j.OverallScore)
		} else {
			row.AddCell().SetString("")
		}
		row.AddCell().SetString(j.Strategy)
		row.AddCell().SetInt(j.Attempts)
		row.AddCell().SetString(j.UploadedAt.UTC().Format(time.RFC3339))
		row.AddCell().SetString(j.UpdatedAt.UTC().Format(time.RFC3339))
		if j.ErrorMessage != nil {
			row.AddCell().SetString(*j.ErrorMessage)
		} else {
			row.AddCell().SetString("")
		}
	}

	summary, err := f.AddSheet(SheetSummary)
	if err != nil {
		return eris.Wrap(err, "export: add summary sheet")
	}
	addHeader(summary, []string{"Status", "Count"})
	for _, st := range model.AllJobStatuses() {
		row := summary.AddRow()
		row.AddCell().SetString(string(st))
		row.AddCell().SetInt(counts[st])
	}
	total := summary.AddRow()
	total.AddCell().SetString("total")
	total.AddCell().SetInt(len(jobs))

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write workbook")
	}
	return nil
}

func addHeader(sheet *xlsx.Sheet, cols []string) {
	row := sheet.AddRow()
	for _, c := range cols {
		cell := row.AddCell()
		cell.SetString(c)
		cell.GetStyle().Font.Bold = true
	}
}
