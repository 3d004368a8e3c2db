package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/xuri/excelize/v2"

	"skinmarket-ingest/internal/market"
	"skinmarket-ingest/internal/storage"
)

// Export renders one item's daily rollups as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.XLSXPath == "" {
		return errors.New("at least one of --csv, --xlsx or --png must be provided")
	}
	if strings.TrimSpace(opts.Item) == "" {
		return errors.New("--item is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	from, to, err := exportWindow(a.Clock.Now(), opts)
	if err != nil {
		return err
	}

	namer, err := a.newNamer()
	if err != nil {
		return err
	}
	canonical, _ := namer.Canonical(opts.Item)
	entity, err := store.FindEntity(ctx, canonical)
	if err != nil {
		return fmt.Errorf("find %q: %w", canonical, err)
	}

	rollups, err := store.ListDailyRollups(ctx, entity.ID, from, to, math.MaxInt32)
	if err != nil {
		return err
	}
	if len(rollups) == 0 {
		a.Logger.Info().Str("item", entity.CanonicalName).Msg("no rollups found for export window")
		return nil
	}

	downsampled := downsampleRollups(rollups, opts.MaxPoints)
	a.Logger.Info().
		Str("item", entity.CanonicalName).
		Int("total", len(rollups)).
		Int("exported", len(downsampled)).
		Msg("exporting daily rollups")

	if opts.CSVPath != "" {
		if err := writeRollupsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.XLSXPath != "" {
		if err := writeRollupsXLSX(opts.XLSXPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if len(downsampled) < 2 {
			a.Logger.Warn().Msg("PNG needs at least two days of data; skipped")
			return nil
		}
		if err := writeRollupsPNG(opts.PNGPath, entity.CanonicalName, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// exportWindow resolves the [from, to) day range. Without --from the window
// spans MaxPoints days back from to.
func exportWindow(now time.Time, opts ExportOptions) (time.Time, time.Time, error) {
	to := storage.Day(now).AddDate(0, 0, 1)
	if opts.To != nil {
		to = opts.To.UTC()
	}

	days := opts.MaxPoints
	if days <= 0 {
		days = 30
	}
	from := to.AddDate(0, 0, -days)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func downsampleRollups(rollups []storage.DailyRollup, max int) []storage.DailyRollup {
	if max <= 0 || len(rollups) <= max {
		return rollups
	}
	if max == 1 {
		return rollups[len(rollups)-1:]
	}

	result := make([]storage.DailyRollup, 0, max)
	step := float64(len(rollups)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rollups) {
			idx = len(rollups) - 1
		}
		result = append(result, rollups[idx])
	}
	return result
}

func writeRollupsCSV(path string, rollups []storage.DailyRollup) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"day", "item", "volume", "price", "price_minor"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range rollups {
		record := []string{
			r.Day.Format(time.DateOnly),
			r.CanonicalName,
			strconv.Itoa(r.Volume),
			market.MinorToMajor(r.PriceMinor),
			strconv.FormatInt(r.PriceMinor, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRollupsXLSX(path string, rollups []storage.DailyRollup) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "rollups"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}

	header := []interface{}{"day", "item", "volume", "price", "price_minor"}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i, r := range rollups {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		price, _ := decimal.New(r.PriceMinor, -2).Float64()
		row := []interface{}{r.Day.Format(time.DateOnly), r.CanonicalName, r.Volume, price, r.PriceMinor}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}

	return f.SaveAs(path)
}

func writeRollupsPNG(path, item string, rollups []storage.DailyRollup) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rollups))
	price := make([]float64, len(rollups))
	volume := make([]float64, len(rollups))

	for i, r := range rollups {
		x[i] = r.Day
		price[i] = decimal.New(r.PriceMinor, -2).InexactFloat64()
		volume[i] = float64(r.Volume)
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  item,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Listings",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Best price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Listings",
				XValues: x,
				YValues: volume,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
