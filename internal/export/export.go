// Package export writes message and sync job reports as XLSX workbooks.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"wagate/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	messagesSheet = "Messages"
	syncSheet     = "Product sync"
	timeLayout    = "2006-01-02 15:04:05"
)

type MessageJobLister interface {
	ListMessageJobs(ctx context.Context, limit int) ([]*models.MessageJob, error)
}

type SyncJobLister interface {
	ListSyncJobs(ctx context.Context, limit int) ([]*models.SyncJob, error)
}

type Exporter struct {
	messages MessageJobLister
	syncs    SyncJobLister
	dir      string
	logger   *zerolog.Logger
	now      func() time.Time
}

func NewExporter(messages MessageJobLister, syncs SyncJobLister, dir string, logger *zerolog.Logger) *Exporter {
	if dir == "" {
		dir = "exports"
	}
	l := logger.With().Str("component", "export").Logger()
	return &Exporter{
		messages: messages,
		syncs:    syncs,
		dir:      dir,
		logger:   &l,
		now:      time.Now,
	}
}

// Jobs writes the most recent jobs (limit per sheet, 0 for all) and returns
// the path of the workbook.
func (e *Exporter) Jobs(ctx context.Context, limit int) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	messages, err := e.messages.ListMessageJobs(ctx, limit)
	if err != nil {
		return "", fmt.Errorf("error getting message jobs: %w", err)
	}
	syncs, err := e.syncs.ListSyncJobs(ctx, limit)
	if err != nil {
		return "", fmt.Errorf("error getting sync jobs: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(messagesSheet)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %w", err)
	}
	if _, err := f.NewSheet(syncSheet); err != nil {
		return "", fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	header, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	failed, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8CBAD"}, Pattern: 1},
	})

	writeHeader(f, messagesSheet, header, []string{"ID", "Vendor", "Template", "Status", "Attempts", "Error", "Next retry", "Gateway message", "Created"})
	for i, j := range messages {
		row := i + 2
		writeRow(f, messagesSheet, row, []interface{}{
			j.ID, j.VendorID, j.TemplateName, string(j.Status), j.Attempts, j.ErrorKind,
			formatTime(j.NextRetryAt), j.GatewayMessageID, j.CreatedAt.UTC().Format(timeLayout),
		})
		if j.Status == models.JobFailed || j.Status == models.JobAbandoned {
			markRow(f, messagesSheet, row, 9, failed)
		}
	}

	writeHeader(f, syncSheet, header, []string{"ID", "Vendor", "Product", "Status", "Attempts", "Error", "Next retry", "Gateway sync", "Created"})
	for i, j := range syncs {
		row := i + 2
		writeRow(f, syncSheet, row, []interface{}{
			j.ID, j.VendorID, j.ProductID, string(j.Status), j.Attempts, j.ErrorKind,
			formatTime(j.NextRetryAt), j.GatewaySyncID, j.CreatedAt.UTC().Format(timeLayout),
		})
		if j.Status == models.SyncFailed || j.Status == models.SyncAbandoned {
			markRow(f, syncSheet, row, 9, failed)
		}
	}

	for _, sheet := range []string{messagesSheet, syncSheet} {
		_ = f.SetColWidth(sheet, "A", "A", 38)
		_ = f.SetColWidth(sheet, "B", "I", 18)
	}
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("jobs_%s.xlsx", e.now().UTC().Format("20060102_150405"))
	filePath := filepath.Join(e.dir, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	e.logger.Info().Str("file_path", filePath).Int("messages", len(messages)).Int("syncs", len(syncs)).Msg("Job report created")
	return filePath, nil
}

func writeHeader(f *excelize.File, sheet string, style int, titles []string) {
	for i, title := range titles {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, title)
		_ = f.SetCellStyle(sheet, cell, cell, style)
	}
}

func writeRow(f *excelize.File, sheet string, row int, values []interface{}) {
	cell, _ := excelize.CoordinatesToCellName(1, row)
	_ = f.SetSheetRow(sheet, cell, &values)
}

func markRow(f *excelize.File, sheet string, row, cols, style int) {
	first, _ := excelize.CoordinatesToCellName(1, row)
	last, _ := excelize.CoordinatesToCellName(cols, row)
	_ = f.SetCellStyle(sheet, first, last, style)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
