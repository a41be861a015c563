package cli

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cheggaaa/pb/v3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/hideki0403/ofuton-go/pkg/metadata"
	"github.com/hideki0403/ofuton-go/pkg/storage"
)

// migrateBatchSize matches spec.md §6: migrate inserts in batches of 50.
const migrateBatchSize = 50

func newMigrateCommand(deps Dependencies) *cobra.Command {
	var assumeYes bool

	cmd := &cobra.Command{
		Use:   "migrate OLD_DIR",
		Short: "move objects from a legacy ofuton v1 bucket directory into this one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(deps, args[0], assumeYes)
		},
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

// migrateItem pairs a discovered legacy file with the metadata row
// and blob destination it will become.
type migrateItem struct {
	sourcePath       string
	internalFilename string
	object           *metadata.Object
}

func runMigrate(deps Dependencies, oldDir string, assumeYes bool) error {
	deps.Logger.Info().Str("old_dir", oldDir).Msg("scanning legacy directory")

	paths, err := walkFiles(oldDir)
	if err != nil {
		return fmt.Errorf("cli: scan %q: %w", oldDir, err)
	}

	if len(paths) == 0 {
		deps.Logger.Info().Msg("no files to migrate")
		return nil
	}

	deps.Logger.Info().Int("count", len(paths)).Msg("found files to migrate")
	if !assumeYes && !confirm("Continue?") {
		deps.Logger.Info().Msg("migration cancelled")
		return nil
	}

	bar := pb.StartNew(len(paths))
	defer bar.Finish()

	var batch []migrateItem
	for _, path := range paths {
		item, err := buildMigrateItem(oldDir, path)
		if err != nil {
			return err
		}

		batch = append(batch, item)
		if len(batch) >= migrateBatchSize {
			if err := flushMigrateBatch(deps, batch, bar); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := flushMigrateBatch(deps, batch, bar); err != nil {
		return err
	}

	deps.Logger.Info().Msg("migration completed")
	return nil
}

func buildMigrateItem(baseDir, path string) (migrateItem, error) {
	relPath, err := filepath.Rel(baseDir, path)
	if err != nil {
		return migrateItem{}, fmt.Errorf("cli: relativize %q: %w", path, err)
	}

	objectPath := "/" + filepath.ToSlash(relPath)
	internalFilename := storage.InternalFilenameFor(objectPath)

	info, err := os.Stat(path)
	if err != nil {
		return migrateItem{}, fmt.Errorf("cli: stat %q: %w", path, err)
	}

	return migrateItem{
		sourcePath:       path,
		internalFilename: internalFilename,
		object: &metadata.Object{
			Path:             objectPath,
			ContentSize:      uint64(info.Size()),
			MimeType:         detectMimeType(path),
			InternalFilename: internalFilename,
		},
	}, nil
}

// flushMigrateBatch inserts batch's metadata rows in one statement,
// then relocates each file into the blob store by rename. Metadata
// goes first so a rename failure leaves a dangling row rather than an
// orphaned blob with no pointer to it, matching PutObject's ordering.
func flushMigrateBatch(deps Dependencies, batch []migrateItem, bar *pb.ProgressBar) error {
	if len(batch) == 0 {
		return nil
	}

	rows := make([]*metadata.Object, len(batch))
	for i, item := range batch {
		rows[i] = item.object
	}
	if err := deps.Metadata.InsertMany(rows); err != nil {
		return fmt.Errorf("cli: insert batch: %w", err)
	}

	for _, item := range batch {
		if err := deps.Blobs.AdoptFile(item.sourcePath, item.internalFilename); err != nil {
			return fmt.Errorf("cli: adopt %q: %w", item.sourcePath, err)
		}
	}

	bar.Add(len(batch))
	return nil
}

// detectMimeType sniffs path's content rather than trusting its
// extension, a stronger guess than the legacy importer's
// extension-only lookup.
func detectMimeType(path string) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil || mtype == nil {
		return "application/octet-stream"
	}
	return mtype.String()
}

func walkFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	return paths, err
}
