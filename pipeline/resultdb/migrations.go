package resultdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

// The SQL here must run on both sqlite and postgres
func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE run(
			id TEXT PRIMARY KEY,
			project_dir TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			finished_at BIGINT,
			status TEXT NOT NULL,
			config TEXT NOT NULL,
			summary TEXT
		);

		CREATE TABLE cell(
			run_id TEXT NOT NULL,
			id BIGINT NOT NULL,
			primary_id BIGINT NOT NULL,
			bbox_x INT NOT NULL,
			bbox_y INT NOT NULL,
			bbox_width INT NOT NULL,
			bbox_height INT NOT NULL,
			crop_row INT NOT NULL,
			PRIMARY KEY (run_id, id)
		);

		CREATE TABLE cell_instance(
			run_id TEXT NOT NULL,
			cell_id BIGINT NOT NULL,
			class TEXT NOT NULL,
			instance_id BIGINT NOT NULL,
			pixel_count INT NOT NULL,
			centroid_x DOUBLE PRECISION NOT NULL,
			centroid_y DOUBLE PRECISION NOT NULL,
			background_contact DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (run_id, cell_id, class)
		);

		CREATE TABLE discard(
			run_id TEXT NOT NULL,
			class TEXT NOT NULL,
			instance_id BIGINT NOT NULL,
			reason TEXT NOT NULL,
			PRIMARY KEY (run_id, class, instance_id)
		);
		CREATE INDEX idx_discard_run_reason ON discard (run_id, reason);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE polygon(
			run_id TEXT NOT NULL,
			cell_id BIGINT NOT NULL,
			area DOUBLE PRECISION NOT NULL,
			centroid_x DOUBLE PRECISION NOT NULL,
			centroid_y DOUBLE PRECISION NOT NULL,
			traced_vertices INT NOT NULL,
			reached_target BOOLEAN NOT NULL,
			ring TEXT NOT NULL,
			PRIMARY KEY (run_id, cell_id)
		);

		CREATE TABLE visit(
			run_id TEXT NOT NULL,
			seq INT NOT NULL,
			cell_id BIGINT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
	`))

	return migs
}
