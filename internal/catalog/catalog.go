// Package catalog reads the feature and match tables of a COLMAP database.
package catalog

import (
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// pairIDFactor is COLMAP's kMaxNumImages, used to pack two image ids into one pair id.
const pairIDFactor = 2147483647

// FeatureCatalog holds per-image keypoint counts.
type FeatureCatalog struct {
	Keypoints map[int]int // image_id -> keypoint rows
}

// TotalKeypoints sums keypoints over all images.
func (c FeatureCatalog) TotalKeypoints() int {
	total := 0
	for _, n := range c.Keypoints {
		total += n
	}
	return total
}

// ImageCount is the number of distinct images with keypoints.
func (c FeatureCatalog) ImageCount() int { return len(c.Keypoints) }

// MatchCatalog holds raw match rows keyed by image pair.
type MatchCatalog struct {
	Pairs map[int64]int // pair_id -> match rows
}

// RowCount is the number of rows in the matches table.
func (c MatchCatalog) RowCount() int { return len(c.Pairs) }

// PairImages decodes a COLMAP pair id into its two image ids.
func PairImages(pairID int64) (int, int) {
	id2 := pairID % pairIDFactor
	id1 := (pairID - id2) / pairIDFactor
	return int(id1), int(id2)
}

// PairID packs two image ids, smaller id first.
func PairID(id1, id2 int) int64 {
	if id1 > id2 {
		id1, id2 = id2, id1
	}
	return int64(id1)*pairIDFactor + int64(id2)
}

// open returns a handle for an existing database. sql.Open would silently
// create an empty file, which must not count as an artifact.
func open(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// ReadFeatures loads the keypoints table.
func ReadFeatures(path string) (FeatureCatalog, error) {
	db, err := open(path)
	if err != nil {
		return FeatureCatalog{}, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT image_id, rows FROM keypoints;`)
	if err != nil {
		return FeatureCatalog{}, fmt.Errorf("query keypoints: %w", err)
	}
	defer rows.Close()

	cat := FeatureCatalog{Keypoints: make(map[int]int)}
	for rows.Next() {
		var imageID, n int
		if err := rows.Scan(&imageID, &n); err != nil {
			return FeatureCatalog{}, err
		}
		cat.Keypoints[imageID] += n
	}
	return cat, rows.Err()
}

// ReadMatches loads the matches table.
func ReadMatches(path string) (MatchCatalog, error) {
	db, err := open(path)
	if err != nil {
		return MatchCatalog{}, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT pair_id, rows FROM matches;`)
	if err != nil {
		return MatchCatalog{}, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	cat := MatchCatalog{Pairs: make(map[int64]int)}
	for rows.Next() {
		var pairID int64
		var n int
		if err := rows.Scan(&pairID, &n); err != nil {
			return MatchCatalog{}, err
		}
		cat.Pairs[pairID] = n
	}
	return cat, rows.Err()
}

// ReadImages maps image ids to file names.
func ReadImages(path string) (map[int]string, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT image_id, name FROM images;`)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var id int
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}
