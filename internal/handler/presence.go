package handler

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"geopresence/internal/model"
	"geopresence/internal/monitor"
	"geopresence/internal/service"
	"geopresence/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/xuri/excelize/v2"
)

func parseFilter(c echo.Context) (store.Filter, error) {
	f := store.Filter{
		Status: model.Status(strings.ToLower(strings.TrimSpace(c.QueryParam("status")))),
		Role:   strings.TrimSpace(c.QueryParam("role")),
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("unknown status %q", f.Status)
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", raw)
		}
		f.Limit = n
	}
	return f, nil
}

func isZeroFilter(f store.Filter) bool {
	return f.Status == "" && f.Role == "" && f.Limit == 0
}

// currentRecords serves the live list when no filter is given and falls
// back to a store query otherwise, or while the live list is loading.
func currentRecords(c echo.Context, st store.Store, mon *monitor.Monitor, f store.Filter) ([]model.PresenceRecord, error) {
	if isZeroFilter(f) {
		if recs, err := mon.Records(); err == nil {
			return recs, nil
		}
	}
	return st.List(c.Request().Context(), f)
}

// GET /api/presence
func ListPresence(st store.Store, mon *monitor.Monitor) echo.HandlerFunc {
	return func(c echo.Context) error {
		f, err := parseFilter(c)
		if err != nil {
			return ErrorResponse(c, 400, "Invalid filter", "INVALID_FILTER", err.Error())
		}

		recs, err := currentRecords(c, st, mon, f)
		if err != nil {
			log.Printf("presence: list: %v", err)
			return ErrorResponse(c, 500, "Failed to load presence", "PRESENCE_LIST_FAILED", err.Error())
		}

		var listenError interface{}
		if err := mon.Err(); err != nil {
			listenError = err.Error()
		}

		return SuccessResponse(c, 200, "Presence retrieved", map[string]interface{}{
			"records":     mon.Decorate(recs),
			"count":       len(recs),
			"listenError": listenError,
		})
	}
}

// GET /api/presence/:subjectId
func GetPresence(st store.Store, mon *monitor.Monitor) echo.HandlerFunc {
	return func(c echo.Context) error {
		subjectID := c.Param("subjectId")

		sel, err := mon.Select(subjectID)
		if errors.Is(err, monitor.ErrLoading) || errors.Is(err, monitor.ErrSubjectNotFound) {
			// the live list may lag a write; ask the store directly
			var rec *model.PresenceRecord
			rec, err = st.Get(c.Request().Context(), subjectID)
			if err == nil {
				sel = mon.View(*rec)
			}
		}

		switch {
		case errors.Is(err, store.ErrNotFound):
			return ErrorResponse(c, 404, "No presence for this subject", "PRESENCE_NOT_FOUND", subjectID)
		case err != nil:
			log.Printf("presence: get %s: %v", subjectID, err)
			return ErrorResponse(c, 500, "Failed to load presence", "PRESENCE_GET_FAILED", err.Error())
		}

		return SuccessResponse(c, 200, "Presence retrieved", sel)
	}
}

// DELETE /api/presence/:subjectId
// Admin only; the admin PIN confirms the removal.
func DeletePresence(st store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		subjectID := c.Param("subjectId")

		var req struct {
			PIN string `json:"pin"`
		}
		if err := c.Bind(&req); err != nil {
			return ErrorResponse(c, 400, "Invalid request body", "BAD_REQUEST", err.Error())
		}
		if strings.TrimSpace(req.PIN) == "" {
			return ErrorResponse(c, 400, "Field 'pin' is required", "PIN_REQUIRED", "")
		}

		if err := service.VerifyAdminPIN(req.PIN); err != nil {
			if errors.Is(err, service.ErrPINNotConfigured) {
				return ErrorResponse(c, 503, "Admin PIN is not configured", "PIN_NOT_CONFIGURED", "")
			}
			return ErrorResponse(c, 403, "Invalid PIN", "INVALID_PIN", "")
		}

		if err := st.Delete(c.Request().Context(), subjectID); err != nil {
			log.Printf("presence: delete %s: %v", subjectID, err)
			return ErrorResponse(c, 500, "Failed to delete presence", "PRESENCE_DELETE_FAILED", err.Error())
		}

		log.Printf("presence: %s deleted by %v", subjectID, c.Get("subject_id"))
		return SuccessResponse(c, 200, "Presence deleted", map[string]interface{}{
			"subjectId": subjectID,
		})
	}
}

// GET /api/presence/export?format=xlsx|csv
func ExportPresence(st store.Store, mon *monitor.Monitor) echo.HandlerFunc {
	return func(c echo.Context) error {
		f, err := parseFilter(c)
		if err != nil {
			return ErrorResponse(c, 400, "Invalid filter", "INVALID_FILTER", err.Error())
		}

		recs, err := currentRecords(c, st, mon, f)
		if err != nil {
			return ErrorResponse(c, 500, "Failed to load presence", "PRESENCE_LIST_FAILED", err.Error())
		}
		entries := mon.Decorate(recs)

		stamp := time.Now().Format("20060102_150405")
		if strings.ToLower(c.QueryParam("format")) == "csv" {
			return exportToCSV(c, entries, stamp)
		}
		return exportToExcel(c, entries, stamp)
	}
}

var exportHeaders = []string{"No", "Subject ID", "Name", "Contact", "Role", "Status", "Latitude", "Longitude", "Accuracy (m)", "Last Seen", "Last Seen At"}

func exportRow(i int, e monitor.Entry) []interface{} {
	row := []interface{}{i + 1, e.SubjectID, e.DisplayName, e.Contact, e.Role, string(e.Status)}
	if e.Location != nil {
		row = append(row, e.Location.Latitude, e.Location.Longitude, e.Location.AccuracyMeters)
	} else {
		row = append(row, "", "", "")
	}
	seenAt := ""
	if !e.LastSeenAt.IsZero() {
		seenAt = e.LastSeenAt.UTC().Format(time.RFC3339)
	}
	return append(row, e.LastSeen, seenAt)
}

func exportToExcel(c echo.Context, entries []monitor.Entry, stamp string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Presence"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return ErrorResponse(c, 500, "Failed to create Excel sheet", "EXCEL_ERROR", err.Error())
	}

	if err := f.SetSheetRow(sheetName, "A1", &exportHeaders); err != nil {
		return ErrorResponse(c, 500, "Failed to write Excel headers", "EXCEL_ERROR", err.Error())
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#C00000"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	lastCol, _ := excelize.ColumnNumberToName(len(exportHeaders))
	f.SetCellStyle(sheetName, "A1", lastCol+"1", headerStyle)

	for i, e := range entries {
		row := exportRow(i, e)
		if err := f.SetSheetRow(sheetName, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return ErrorResponse(c, 500, "Failed to write Excel row", "EXCEL_ERROR", err.Error())
		}
	}

	f.SetColWidth(sheetName, "A", "A", 5)
	f.SetColWidth(sheetName, "B", "D", 22)
	f.SetColWidth(sheetName, "E", "F", 14)
	f.SetColWidth(sheetName, "G", "I", 13)
	f.SetColWidth(sheetName, "J", "K", 22)

	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	filename := fmt.Sprintf("presence_%s.xlsx", stamp)
	c.Response().Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	return f.Write(c.Response().Writer)
}

func exportToCSV(c echo.Context, entries []monitor.Entry, stamp string) error {
	c.Response().Header().Set("Content-Type", "text/csv")
	filename := fmt.Sprintf("presence_%s.csv", stamp)
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	writer := csv.NewWriter(c.Response().Writer)
	defer writer.Flush()

	if err := writer.Write(exportHeaders); err != nil {
		return ErrorResponse(c, 500, "Failed to write CSV headers", "CSV_ERROR", err.Error())
	}

	for i, e := range entries {
		cells := exportRow(i, e)
		row := make([]string, len(cells))
		for j, v := range cells {
			row[j] = fmt.Sprint(v)
		}
		if err := writer.Write(row); err != nil {
			return ErrorResponse(c, 500, "Failed to write CSV row", "CSV_ERROR", err.Error())
		}
	}

	return nil
}
