package httpapi

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/pricing"
	"aasanpos/backend/internal/service"
)

var exportHeadings = []string{"Sale ID", "Date", "Item Name", "Quantity", "Sale Price", "Discount", "Total Item Price", "Sale Total", "Profit"}

// exportRows flattens a report to one row per sold line.
func exportRows(report domain.SalesReport) [][]string {
	rows := make([][]string, 0, len(report.Sales))
	for _, sale := range report.Sales {
		for _, item := range sale.Items {
			qty := int64(item.Quantity)
			net := item.Price.Sub(item.DiscountPerUnit)
			rows = append(rows, []string{
				sale.ID,
				sale.CreatedAt.UTC().Format(time.RFC3339),
				item.Name,
				fmt.Sprintf("%d", item.Quantity),
				item.Price.StringFixed(pricing.Places),
				item.DiscountPerUnit.StringFixed(pricing.Places),
				net.Mul(decimal.NewFromInt(qty)).StringFixed(pricing.Places),
				sale.Total.StringFixed(pricing.Places),
				net.Sub(item.BuyPrice).Mul(decimal.NewFromInt(qty)).StringFixed(pricing.Places),
			})
		}
	}
	return rows
}

func salesToCSV(report domain.SalesReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeadings); err != nil {
		return nil, err
	}
	if err := w.WriteAll(exportRows(report)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func salesToXLSX(report domain.SalesReport) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Sales"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(sheet, "A1", &exportHeadings); err != nil {
		return nil, err
	}
	for i, row := range exportRows(report) {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *API) handleExportSales(c *gin.Context) {
	period, err := service.ParsePeriod(c.Query("period"))
	if err != nil {
		a.fail(c, err)
		return
	}
	report, err := a.service.ListSales(c.Request.Context(), period, c.Query("q"))
	if err != nil {
		a.fail(c, err)
		return
	}

	var (
		body        []byte
		contentType string
		ext         string
	)
	switch strings.ToLower(c.DefaultQuery("format", "csv")) {
	case "csv":
		body, err = salesToCSV(report)
		contentType, ext = "text/csv; charset=utf-8", "csv"
	case "xlsx":
		body, err = salesToXLSX(report)
		contentType, ext = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "xlsx"
	default:
		a.writeError(c, http.StatusBadRequest, errors.New("format must be csv or xlsx"))
		return
	}
	if err != nil {
		a.writeError(c, http.StatusInternalServerError, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=sales_report_%s.%s", report.Period, ext))
	c.Data(http.StatusOK, contentType, body)
}
