package catalog

import (
	"database/sql"
	"fmt"
)

// Fixture describes the minimal COLMAP schema subset needed to build a test
// or seed database.
type Fixture struct {
	Images    map[int]string
	Keypoints map[int]int
	Matches   map[int64]int
}

// WriteFixture creates a database at path holding the images, keypoints and
// matches tables with the given contents.
func WriteFixture(path string, f Fixture) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS images (image_id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE, camera_id INTEGER);`,
		`CREATE TABLE IF NOT EXISTS keypoints (image_id INTEGER PRIMARY KEY, rows INTEGER NOT NULL, cols INTEGER NOT NULL, data BLOB);`,
		`CREATE TABLE IF NOT EXISTS matches (pair_id INTEGER PRIMARY KEY, rows INTEGER NOT NULL, cols INTEGER NOT NULL, data BLOB);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create fixture schema: %w", err)
		}
	}
	for id, name := range f.Images {
		if _, err := db.Exec(`INSERT INTO images (image_id, name, camera_id) VALUES (?, ?, 1);`, id, name); err != nil {
			return err
		}
	}
	for id, n := range f.Keypoints {
		if _, err := db.Exec(`INSERT INTO keypoints (image_id, rows, cols) VALUES (?, ?, 6);`, id, n); err != nil {
			return err
		}
	}
	for pair, n := range f.Matches {
		if _, err := db.Exec(`INSERT INTO matches (pair_id, rows, cols) VALUES (?, ?, 2);`, pair, n); err != nil {
			return err
		}
	}
	return nil
}
