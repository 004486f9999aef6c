// Package sqlite persists clusters to SQLite database files: one row per
// cluster with its consensus peaks, one row per member spectrum and one row
// per retained comparison match.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ChrisMcGann/SpecCluster/pkg/cluster"
	"github.com/ChrisMcGann/SpecCluster/pkg/consensus"
	"github.com/ChrisMcGann/SpecCluster/pkg/core"
)

const (
	schemaVersion = 1
	// Date format for HeaderTable (ISO 8601)
	headerDateFormat = "2006-01-02"
)

var ErrCorruptBlob = errors.New("sqlite: corrupt peak blob")

// Store reads and writes clusters. Clusters are restored as greedy clusters
// whose consensus builder continues from the stored consensus spectrum.
type Store struct {
	db        *sql.DB
	path      string
	logger    *slog.Logger
	tolerance float32

	clusterStmt  *sql.Stmt
	spectrumStmt *sql.Stmt
	matchStmt    *sql.Stmt
}

// Option configures Open.
type Option func(*Store)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithFragmentTolerance sets the tolerance of restored consensus builders.
func WithFragmentTolerance(tol float32) Option {
	return func(s *Store) { s.tolerance = tol }
}

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// go-sqlite3 connections do not share :memory: databases
	db.SetMaxOpenConns(1)

	s := &Store{
		db:        db,
		path:      path,
		logger:    slog.Default(),
		tolerance: consensus.DefaultFragmentTolerance,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepareStatements(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// createTables creates the schema and the header row of a new database.
func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS HeaderTable (
		version INTEGER NOT NULL DEFAULT 0,
		CreationDate TEXT,
		LastModifiedDate TEXT,
		Description TEXT
	);

	CREATE TABLE IF NOT EXISTS ClusterTable (
		ClusterId TEXT PRIMARY KEY,
		PrecursorMz DOUBLE,
		Charge INTEGER,
		SpectrumCount INTEGER,
		Quality DOUBLE,
		blobMass BLOB,
		blobIntensity BLOB,
		blobCount BLOB,
		Properties BLOB
	);

	CREATE TABLE IF NOT EXISTS SpectrumTable (
		ClusterId TEXT REFERENCES ClusterTable(ClusterId),
		Position INTEGER,
		SpectrumId TEXT,
		PrecursorMz DOUBLE,
		Charge INTEGER,
		Quality DOUBLE,
		Properties BLOB,
		PRIMARY KEY (ClusterId, SpectrumId)
	);

	CREATE TABLE IF NOT EXISTS MatchTable (
		ClusterId TEXT REFERENCES ClusterTable(ClusterId),
		OtherClusterId TEXT,
		Similarity DOUBLE,
		PRIMARY KEY (ClusterId, OtherClusterId)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM HeaderTable`).Scan(&n); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if n == 0 {
		today := time.Now().Format(headerDateFormat)
		_, err := s.db.Exec(`
			INSERT INTO HeaderTable (version, CreationDate, LastModifiedDate, Description)
			VALUES (?, ?, ?, ?)
		`, schemaVersion, today, today, "")
		if err != nil {
			return fmt.Errorf("failed to insert header: %w", err)
		}
	}
	return nil
}

// prepareStatements prepares the row inserts used by Save.
func (s *Store) prepareStatements() error {
	var err error

	s.clusterStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO ClusterTable (
			ClusterId, PrecursorMz, Charge, SpectrumCount, Quality,
			blobMass, blobIntensity, blobCount, Properties
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cluster statement: %w", err)
	}

	s.spectrumStmt, err = s.db.Prepare(`
		INSERT INTO SpectrumTable (
			ClusterId, Position, SpectrumId, PrecursorMz, Charge, Quality, Properties
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare spectrum statement: %w", err)
	}

	s.matchStmt, err = s.db.Prepare(`
		INSERT INTO MatchTable (ClusterId, OtherClusterId, Similarity) VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare match statement: %w", err)
	}
	return nil
}

// clusterRow is a cluster encoded for insertion.
type clusterRow struct {
	id            string
	precursorMZ   float64
	charge        int
	spectrumCount int
	quality       float64
	mzBlob        []byte
	intensityBlob []byte
	countBlob     []byte
	props         []byte
	members       []memberRow
	matches       []cluster.ComparisonMatch
}

type memberRow struct {
	id          string
	precursorMZ float64
	charge      int
	quality     float64
	props       []byte
}

func encodeCluster(c *cluster.Cluster) (clusterRow, error) {
	cs := c.ConsensusSpectrum()
	if cs == nil {
		return clusterRow{}, fmt.Errorf("cluster %s has no consensus spectrum", c.ID())
	}
	if err := cs.Validate(); err != nil {
		return clusterRow{}, fmt.Errorf("cluster %s: %w", c.ID(), err)
	}

	props, err := encodeProperties(c.Properties())
	if err != nil {
		return clusterRow{}, fmt.Errorf("cluster %s: %w", c.ID(), err)
	}

	peaks := cs.Peaks()
	row := clusterRow{
		id:            c.ID(),
		precursorMZ:   float64(cs.PrecursorMZ()),
		charge:        cs.PrecursorCharge(),
		spectrumCount: c.Count(),
		quality:       c.Quality(),
		mzBlob:        encodePeaksFloat64(peaks, func(p core.Peak) float64 { return float64(p.MZ) }),
		intensityBlob: encodePeaksFloat64(peaks, func(p core.Peak) float64 { return float64(p.Intensity) }),
		countBlob:     encodeCounts(peaks),
		props:         props,
		matches:       c.BestComparisonMatches(),
	}

	for _, m := range c.Spectra() {
		mp, err := encodeProperties(m.Properties())
		if err != nil {
			return clusterRow{}, fmt.Errorf("spectrum %s: %w", m.ID(), err)
		}
		row.members = append(row.members, memberRow{
			id:          m.ID(),
			precursorMZ: float64(m.PrecursorMZ()),
			charge:      m.PrecursorCharge(),
			quality:     m.Quality(),
			props:       mp,
		})
	}
	return row, nil
}

// Save writes clusters in a single transaction, replacing stored clusters
// with the same id. Rows are encoded concurrently before the transaction
// starts; a cluster passed more than once is written once.
func (s *Store) Save(ctx context.Context, clusters ...*cluster.Cluster) error {
	clusters = uniqueClusters(clusters)
	rows := make([]clusterRow, len(clusters))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range clusters {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row, err := encodeCluster(c)
			if err != nil {
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to encode clusters: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	clusterStmt := tx.StmtContext(ctx, s.clusterStmt)
	spectrumStmt := tx.StmtContext(ctx, s.spectrumStmt)
	matchStmt := tx.StmtContext(ctx, s.matchStmt)

	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, `DELETE FROM SpectrumTable WHERE ClusterId = ?`, row.id); err != nil {
			return fmt.Errorf("failed to clear members of %s: %w", row.id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM MatchTable WHERE ClusterId = ?`, row.id); err != nil {
			return fmt.Errorf("failed to clear matches of %s: %w", row.id, err)
		}

		_, err := clusterStmt.ExecContext(ctx,
			row.id,            // ClusterId
			row.precursorMZ,   // PrecursorMz
			row.charge,        // Charge
			row.spectrumCount, // SpectrumCount
			row.quality,       // Quality
			row.mzBlob,        // blobMass
			row.intensityBlob, // blobIntensity
			row.countBlob,     // blobCount
			row.props,         // Properties
		)
		if err != nil {
			return fmt.Errorf("failed to insert cluster %s: %w", row.id, err)
		}

		for pos, m := range row.members {
			_, err := spectrumStmt.ExecContext(ctx, row.id, pos, m.id, m.precursorMZ, m.charge, m.quality, m.props)
			if err != nil {
				return fmt.Errorf("failed to insert spectrum %s of %s: %w", m.id, row.id, err)
			}
		}
		for _, m := range row.matches {
			if _, err := matchStmt.ExecContext(ctx, row.id, m.OtherID, float64(m.Similarity)); err != nil {
				return fmt.Errorf("failed to insert match %s of %s: %w", m.OtherID, row.id, err)
			}
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE HeaderTable SET LastModifiedDate = ?`, time.Now().Format(headerDateFormat))
	if err != nil {
		return fmt.Errorf("failed to update header: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Debug("saved clusters", "path", s.path, "clusters", len(rows))
	return nil
}

// uniqueClusters drops nil and repeated clusters and fixes every id, so the
// encoders only read shared state.
func uniqueClusters(clusters []*cluster.Cluster) []*cluster.Cluster {
	seen := make(map[*cluster.Cluster]struct{}, len(clusters))
	out := make([]*cluster.Cluster, 0, len(clusters))
	for _, c := range clusters {
		if c == nil {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		c.ID()
		out = append(out, c)
	}
	return out
}

// Load reads every stored cluster, ordered by precursor m/z and id.
func (s *Store) Load(ctx context.Context) ([]*cluster.Cluster, error) {
	members, err := s.loadMembers(ctx)
	if err != nil {
		return nil, err
	}
	matches, err := s.loadMatches(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ClusterId, PrecursorMz, Charge, SpectrumCount,
			blobMass, blobIntensity, blobCount, Properties
		FROM ClusterTable ORDER BY PrecursorMz, ClusterId
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query clusters: %w", err)
	}
	defer rows.Close()

	var out []*cluster.Cluster
	for rows.Next() {
		var (
			id                       string
			precursorMZ              float64
			charge, count            int
			mzBlob, intBlob, cntBlob []byte
			propBlob                 []byte
		)
		if err := rows.Scan(&id, &precursorMZ, &charge, &count, &mzBlob, &intBlob, &cntBlob, &propBlob); err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}

		peaks, err := decodePeaks(mzBlob, intBlob, cntBlob)
		if err != nil {
			return nil, fmt.Errorf("cluster %s: %w", id, err)
		}
		props, err := decodeProperties(propBlob)
		if err != nil {
			return nil, fmt.Errorf("cluster %s: %w", id, err)
		}

		cs := core.NewSpectrum(id, float32(precursorMZ), charge, peaks)
		c, err := cluster.Restore(id, consensus.Restore(cs, count, s.tolerance), members[id])
		if err != nil {
			return nil, err
		}
		for k, v := range props {
			c.SetProperty(k, v)
		}
		if m := matches[id]; len(m) > 0 {
			c.SetBestComparisonMatches(m)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading clusters: %w", err)
	}

	s.logger.Debug("loaded clusters", "path", s.path, "clusters", len(out))
	return out, nil
}

func (s *Store) loadMembers(ctx context.Context) (map[string][]*core.Spectrum, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ClusterId, SpectrumId, PrecursorMz, Charge, Quality, Properties
		FROM SpectrumTable ORDER BY ClusterId, Position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query spectra: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]*core.Spectrum)
	for rows.Next() {
		var (
			clusterID, id string
			precursorMZ   float64
			charge        int
			quality       float64
			propBlob      []byte
		)
		if err := rows.Scan(&clusterID, &id, &precursorMZ, &charge, &quality, &propBlob); err != nil {
			return nil, fmt.Errorf("failed to scan spectrum: %w", err)
		}
		props, err := decodeProperties(propBlob)
		if err != nil {
			return nil, fmt.Errorf("spectrum %s: %w", id, err)
		}
		spec := core.NewSpectrum(id, float32(precursorMZ), charge, nil,
			core.WithProperties(props),
			core.WithQuality(quality))
		out[clusterID] = append(out[clusterID], spec.WithoutPeaks())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading spectra: %w", err)
	}
	return out, nil
}

func (s *Store) loadMatches(ctx context.Context) (map[string][]cluster.ComparisonMatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ClusterId, OtherClusterId, Similarity FROM MatchTable`)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]cluster.ComparisonMatch)
	for rows.Next() {
		var (
			clusterID, otherID string
			similarity         float64
		)
		if err := rows.Scan(&clusterID, &otherID, &similarity); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		out[clusterID] = append(out[clusterID], cluster.ComparisonMatch{
			OtherID:    otherID,
			Similarity: float32(similarity),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading matches: %w", err)
	}
	return out, nil
}

// Count returns the number of stored clusters.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ClusterTable`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count clusters: %w", err)
	}
	return n, nil
}

// Summary describes the contents of a store.
type Summary struct {
	Version          int
	CreationDate     string
	LastModifiedDate string
	Clusters         int
	Spectra          int
	Matches          int
	MinPrecursorMZ   float64
	MaxPrecursorMZ   float64
	// Charges counts clusters per consensus charge.
	Charges map[int]int
	// Sizes counts clusters per member count.
	Sizes map[int]int
}

// Summary collects statistics about the stored clusters.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{Charges: make(map[int]int), Sizes: make(map[int]int)}

	err := s.db.QueryRowContext(ctx, `SELECT version, CreationDate, LastModifiedDate FROM HeaderTable LIMIT 1`).
		Scan(&sum.Version, &sum.CreationDate, &sum.LastModifiedDate)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read header: %w", err)
	}

	var minMZ, maxMZ sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), MIN(PrecursorMz), MAX(PrecursorMz) FROM ClusterTable`).
		Scan(&sum.Clusters, &minMZ, &maxMZ)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize clusters: %w", err)
	}
	sum.MinPrecursorMZ, sum.MaxPrecursorMZ = minMZ.Float64, maxMZ.Float64

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM SpectrumTable`).Scan(&sum.Spectra); err != nil {
		return Summary{}, fmt.Errorf("failed to count spectra: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM MatchTable`).Scan(&sum.Matches); err != nil {
		return Summary{}, fmt.Errorf("failed to count matches: %w", err)
	}

	if err := s.histogram(ctx, `SELECT Charge, COUNT(*) FROM ClusterTable GROUP BY Charge`, sum.Charges); err != nil {
		return Summary{}, fmt.Errorf("failed to summarize charges: %w", err)
	}
	if err := s.histogram(ctx, `SELECT SpectrumCount, COUNT(*) FROM ClusterTable GROUP BY SpectrumCount`, sum.Sizes); err != nil {
		return Summary{}, fmt.Errorf("failed to summarize sizes: %w", err)
	}
	return sum, nil
}

func (s *Store) histogram(ctx context.Context, query string, into map[int]int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key, n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

// Close releases the prepared statements and closes the database.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.clusterStmt, s.spectrumStmt, s.matchStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// encodePeaksFloat64 encodes one value per peak as a little-endian float64
// blob.
func encodePeaksFloat64(peaks []core.Peak, value func(core.Peak) float64) []byte {
	buf := make([]byte, len(peaks)*8)
	for i, p := range peaks {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(value(p)))
	}
	return buf
}

// encodeCounts encodes peak counts as little-endian uint32.
func encodeCounts(peaks []core.Peak) []byte {
	buf := make([]byte, len(peaks)*4)
	for i, p := range peaks {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(p.Count))
	}
	return buf
}

func decodePeaks(mzBlob, intBlob, countBlob []byte) ([]core.Peak, error) {
	if len(mzBlob)%8 != 0 || len(intBlob) != len(mzBlob) || len(countBlob)*2 != len(mzBlob) {
		return nil, fmt.Errorf("%w: %d m/z bytes, %d intensity bytes, %d count bytes",
			ErrCorruptBlob, len(mzBlob), len(intBlob), len(countBlob))
	}
	peaks := make([]core.Peak, len(mzBlob)/8)
	for i := range peaks {
		peaks[i] = core.Peak{
			MZ:        float32(math.Float64frombits(binary.LittleEndian.Uint64(mzBlob[i*8:]))),
			Intensity: float32(math.Float64frombits(binary.LittleEndian.Uint64(intBlob[i*8:]))),
			Count:     int(binary.LittleEndian.Uint32(countBlob[i*4:])),
		}
	}
	return peaks, nil
}

func encodeProperties(props core.Properties) ([]byte, error) {
	if len(props) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(props))
	for k, v := range props {
		m[string(k)] = v
	}
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode properties: %w", err)
	}
	return b, nil
}

func decodeProperties(b []byte) (core.Properties, error) {
	props := core.Properties{}
	if len(b) == 0 {
		return props, nil
	}
	var m map[string]string
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode properties: %w", err)
	}
	for k, v := range m {
		props[core.PropertyKey(k)] = v
	}
	return props, nil
}
