package hybrid

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"lexhound/internal/legaltext"
)

const chunkSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	doc_id         TEXT NOT NULL,
	seq            INTEGER NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	url            TEXT NOT NULL DEFAULT '',
	court          TEXT NOT NULL DEFAULT '',
	decision_date  TEXT NOT NULL DEFAULT '',
	text           TEXT NOT NULL,
	statute_tokens TEXT NOT NULL DEFAULT '',
	citations      TEXT NOT NULL DEFAULT '',
	embedding      BLOB,
	PRIMARY KEY (doc_id, seq)
);
CREATE INDEX IF NOT EXISTS chunks_doc ON chunks(doc_id);`

// VecStore is the sqlite-backed chunk index behind the semantic lane. The
// driver is selected at build time: pure-Go by default, sqlite-vec under
// the sqlite_vec build tag.
type VecStore struct {
	log *zap.Logger
	db  *sql.DB
}

// OpenVecStore opens or creates the index. An empty path opens an
// in-memory index that lives for the process.
func OpenVecStore(log *zap.Logger, path string) (*VecStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open(sqlDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("vecstore: open %s: %w", path, err)
	}
	// One writer; sqlite serialises anyway and this keeps :memory: on a
	// single connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("vecstore: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(chunkSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("vecstore: schema: %w", err)
	}
	return &VecStore{log: log.Named("vecstore"), db: db}, nil
}

func (s *VecStore) Close() error { return s.db.Close() }

// Upsert writes chunks and their vectors in one transaction. A nil vector
// leaves the row invisible to Query until re-embedded.
func (s *VecStore) Upsert(ctx context.Context, chunks []Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("vecstore: %d chunks with %d vectors", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vecstore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks
		(doc_id, seq, title, url, court, decision_date, text, statute_tokens, citations, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id, seq) DO UPDATE SET
		title=excluded.title, url=excluded.url, court=excluded.court,
		decision_date=excluded.decision_date, text=excluded.text,
		statute_tokens=excluded.statute_tokens, citations=excluded.citations,
		embedding=excluded.embedding`)
	if err != nil {
		return fmt.Errorf("vecstore: prepare: %w", err)
	}
	defer stmt.Close()

	for i, c := range chunks {
		_, err := stmt.ExecContext(ctx, c.DocID, c.Seq, c.Title, c.URL, c.Court, c.Date,
			c.Text, strings.Join(c.StatuteTokens, " "), strings.Join(c.Citations, "|"),
			encodeVector(vectors[i]))
		if err != nil {
			return fmt.Errorf("vecstore: upsert %s/%d: %w", c.DocID, c.Seq, err)
		}
	}
	return tx.Commit()
}

// Hit is one semantic match: the best chunk of a document.
type Hit struct {
	DocID    string
	Title    string
	URL      string
	Court    string
	Date     string
	Text     string
	Distance float64
}

// Query returns the topK closest documents by cosine distance, one hit per
// document.
func (s *VecStore) Query(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, title, url, court, decision_date, text,
		       MIN(vec_distance_cosine(embedding, ?)) AS dist
		FROM chunks
		WHERE embedding IS NOT NULL
		GROUP BY doc_id
		ORDER BY dist ASC
		LIMIT ?`, encodeVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("vecstore: query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.DocID, &h.Title, &h.URL, &h.Court, &h.Date, &h.Text, &h.Distance); err != nil {
			return nil, fmt.Errorf("vecstore: scan: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// LookupDocURL resolves a document URL by id, falling back to the closest
// indexed title. Backs the verifier's hint ladder.
func (s *VecStore) LookupDocURL(ctx context.Context, docID, title string) (string, bool) {
	if docID != "" {
		var url string
		err := s.db.QueryRowContext(ctx,
			`SELECT url FROM chunks WHERE doc_id = ? AND url != '' LIMIT 1`, docID).Scan(&url)
		if err == nil && url != "" {
			return url, true
		}
	}
	if title == "" {
		return "", false
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT title, url FROM chunks WHERE seq = 0 AND url != '' LIMIT 500`)
	if err != nil {
		return "", false
	}
	defer rows.Close()

	bestURL, bestScore := "", 0.0
	for rows.Next() {
		var t, u string
		if err := rows.Scan(&t, &u); err != nil {
			return "", false
		}
		if score := legaltext.TermOverlap(t, title); score > bestScore {
			bestURL, bestScore = u, score
		}
	}
	if rows.Err() != nil || bestScore < 0.6 {
		return "", false
	}
	return bestURL, true
}

// Stats reports indexed document and chunk counts.
func (s *VecStore) Stats(ctx context.Context) (docs, chunks int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT doc_id), COUNT(*) FROM chunks`).Scan(&docs, &chunks)
	return docs, chunks, err
}

// ===== VECTOR BLOBS =====

// encodeVector serialises a vector as a little-endian float32 blob, the
// layout sqlite-vec expects.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil
	}
	return buf.Bytes()
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// cosineDistance returns 1 - cosine similarity over two encoded vectors.
// Empty and zero vectors score the maximum distance.
func cosineDistance(a, b []byte) (float64, error) {
	va, err := decodeVector(a)
	if err != nil {
		return 0, err
	}
	vb, err := decodeVector(b)
	if err != nil {
		return 0, err
	}
	if len(va) == 0 || len(vb) == 0 {
		return 1, nil
	}
	if len(va) != len(vb) {
		return 0, fmt.Errorf("vec_distance_cosine: dimension mismatch %d vs %d", len(va), len(vb))
	}
	var dot, na, nb float64
	for i := range va {
		af, bf := float64(va[i]), float64(vb[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return 1, nil
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), nil
}
