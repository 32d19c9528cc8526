// Package csvsink writes append-only, header-bearing, daily-rotating CSV
// files under <base_dir>/<dataset>/<YYYY-MM-DD>_<TICKER>.csv. One sink per
// dataset; appends for the same ticker are serialized, different tickers
// proceed in parallel.
package csvsink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Column sets, in file order.
var (
	RunningTradeColumns = []string{
		"id", "date", "time", "action", "code", "price", "change", "lot",
		"buyer", "seller", "trade_number", "buyer_type", "seller_type",
		"market_board",
	}
	OrderbookColumns = []string{"timestamp", "price", "lots", "total_value", "side"}
)

// FileInfo describes one CSV file for the files facade.
type FileInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Sink owns the file handles for one dataset. The rotation date of a row is
// taken from the append timestamp rendered in the sink's location.
type Sink struct {
	baseDir string
	dataset string
	columns []string
	loc     *time.Location
	logger  zerolog.Logger

	mu      sync.Mutex
	writers map[string]*tickerWriter
	closed  bool
}

// tickerWriter holds the open file for one ticker. Its mutex serializes
// appends for that ticker; the map-level mutex only guards handle creation.
type tickerWriter struct {
	mu   sync.Mutex
	date string
	file *os.File
	csv  *csv.Writer
}

// New creates a sink for one dataset. loc fixes the rotation timezone; nil
// means UTC.
func New(baseDir, dataset string, columns []string, loc *time.Location, logger zerolog.Logger) *Sink {
	if loc == nil {
		loc = time.UTC
	}
	return &Sink{
		baseDir: baseDir,
		dataset: dataset,
		columns: columns,
		loc:     loc,
		logger:  logger.With().Str("component", "csvsink").Str("dataset", dataset).Logger(),
		writers: make(map[string]*tickerWriter),
	}
}

// Path returns the file a row timestamped at would land in.
func (s *Sink) Path(ticker string, at time.Time) string {
	day := at.In(s.loc).Format("2006-01-02")
	return filepath.Join(s.baseDir, s.dataset, day+"_"+ticker+".csv")
}

// Append writes rows for one ticker, opening or rotating the daily file as
// needed, and flushes before returning. Every row must match the column set.
func (s *Sink) Append(ticker string, at time.Time, rows [][]string) error {
	return s.AppendDay(ticker, at.In(s.loc).Format("2006-01-02"), rows)
}

// AppendDay is Append with an explicit calendar day, for callers whose rows
// belong to a known date rather than a wall-clock instant.
func (s *Sink) AppendDay(ticker, day string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	for _, row := range rows {
		if len(row) != len(s.columns) {
			return fmt.Errorf("csvsink: row has %d fields, %s needs %d", len(row), s.dataset, len(s.columns))
		}
	}

	tw, err := s.writerFor(ticker)
	if err != nil {
		return err
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.file != nil && tw.date != day {
		if err := s.closeWriterLocked(tw); err != nil {
			return err
		}
		s.logger.Debug().Str("ticker", ticker).Str("date", day).Msg("rotated daily file")
	}
	if tw.file == nil {
		if err := s.openWriterLocked(tw, ticker, day); err != nil {
			return err
		}
	}

	for _, row := range rows {
		if err := tw.csv.Write(row); err != nil {
			return fmt.Errorf("csvsink: write %s row: %w", s.dataset, err)
		}
	}
	tw.csv.Flush()
	if err := tw.csv.Error(); err != nil {
		return fmt.Errorf("csvsink: flush %s/%s: %w", s.dataset, ticker, err)
	}
	return nil
}

func (s *Sink) writerFor(ticker string) (*tickerWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("csvsink: sink for %s is closed", s.dataset)
	}
	tw, ok := s.writers[ticker]
	if !ok {
		tw = &tickerWriter{}
		s.writers[ticker] = tw
	}
	return tw, nil
}

func (s *Sink) openWriterLocked(tw *tickerWriter, ticker, day string) error {
	dir := filepath.Join(s.baseDir, s.dataset)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("csvsink: create %s: %w", dir, err)
	}
	path := filepath.Join(dir, day+"_"+ticker+".csv")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("csvsink: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("csvsink: stat %s: %w", path, err)
	}

	tw.file = f
	tw.csv = csv.NewWriter(f)
	tw.date = day

	if st.Size() == 0 {
		if err := tw.csv.Write(s.columns); err != nil {
			return fmt.Errorf("csvsink: write header %s: %w", path, err)
		}
		tw.csv.Flush()
		if err := tw.csv.Error(); err != nil {
			return fmt.Errorf("csvsink: write header %s: %w", path, err)
		}
	}
	return nil
}

func (s *Sink) closeWriterLocked(tw *tickerWriter) error {
	tw.csv.Flush()
	flushErr := tw.csv.Error()
	closeErr := tw.file.Close()
	tw.file = nil
	tw.csv = nil
	tw.date = ""
	if flushErr != nil {
		return fmt.Errorf("csvsink: flush on rotate: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("csvsink: close on rotate: %w", closeErr)
	}
	return nil
}

// Close flushes and closes every open file. The sink rejects further appends.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	writers := make([]*tickerWriter, 0, len(s.writers))
	for _, tw := range s.writers {
		writers = append(writers, tw)
	}
	s.mu.Unlock()

	var firstErr error
	for _, tw := range writers {
		tw.mu.Lock()
		if tw.file != nil {
			if err := s.closeWriterLocked(tw); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		tw.mu.Unlock()
	}
	return firstErr
}

// List returns the dataset's CSV files sorted by name, newest names last.
func (s *Sink) List() ([]FileInfo, error) {
	dir := filepath.Join(s.baseDir, s.dataset)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("csvsink: list %s: %w", dir, err)
	}

	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:     e.Name(),
			Path:     filepath.Join(s.dataset, e.Name()),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}
