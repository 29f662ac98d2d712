// Package tiles holds the tile generator backends the export pipeline
// delegates to: command runs an external mesher, manifest writes a dry-run
// archive describing the job.
package tiles
