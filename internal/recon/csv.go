package recon

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"time"

	"github.com/HerbHall/miningops/pkg/models"
)

// csvHeaders returns the CSV column headers.
func csvHeaders() []string {
	return []string{"address", "verified", "probe_latency_ms", "model", "hostname"}
}

// csvColumnCount is the number of columns in the CSV format.
const csvColumnCount = 5

// resultToCSVRow converts a discovery result to a CSV row (matching
// csvHeaders order).
func resultToCSVRow(r models.DiscoveryResult) []string {
	return []string{
		r.Address.String(),
		strconv.FormatBool(r.Verified),
		strconv.FormatInt(r.ProbeLatency.Milliseconds(), 10),
		r.Model,
		r.Hostname,
	}
}

// csvRowToResult parses a CSV row into a DiscoveryResult.
func csvRowToResult(row []string) (models.DiscoveryResult, error) {
	if len(row) < csvColumnCount {
		return models.DiscoveryResult{}, fmt.Errorf("expected %d columns, got %d", csvColumnCount, len(row))
	}
	r := row[:csvColumnCount]

	var res models.DiscoveryResult
	addr, err := netip.ParseAddr(r[0])
	if err != nil {
		return models.DiscoveryResult{}, fmt.Errorf("invalid address: %w", err)
	}
	res.Address = addr

	if r[1] != "" {
		v, err := strconv.ParseBool(r[1])
		if err != nil {
			return models.DiscoveryResult{}, fmt.Errorf("invalid verified: %w", err)
		}
		res.Verified = v
	}
	if r[2] != "" {
		ms, err := strconv.ParseInt(r[2], 10, 64)
		if err != nil {
			return models.DiscoveryResult{}, fmt.Errorf("invalid probe_latency_ms: %w", err)
		}
		res.ProbeLatency = time.Duration(ms) * time.Millisecond
	}
	res.Model = r[3]
	res.Hostname = r[4]
	return res, nil
}

// WriteCSV writes results with a header row.
func WriteCSV(w io.Writer, results []models.DiscoveryResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeaders()); err != nil {
		return err
	}
	for _, r := range results {
		if err := cw.Write(resultToCSVRow(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses results written by WriteCSV. The header row is required.
func ReadCSV(rd io.Reader) ([]models.DiscoveryResult, error) {
	cr := csv.NewReader(rd)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < csvColumnCount || header[0] != "address" {
		return nil, fmt.Errorf("unexpected header %v", header)
	}

	var out []models.DiscoveryResult
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		res, err := csvRowToResult(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, res)
	}
}
