package cli

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/hideki0403/ofuton-go/pkg/metadata"
)

// importBatchSize matches spec.md §6: import updates in transactions
// of 100 rows.
const importBatchSize = 100

// filenameNormalizeRe matches every byte outside RFC 8187's attr-char
// production (https://datatracker.ietf.org/doc/html/rfc8187#section-3.2.1).
var filenameNormalizeRe = regexp.MustCompile("[^A-Za-z0-9!#$&+\\-.^_`|~]")

// driveFile is one row of the headerless metadata TSV: name, mime_type, url.
type driveFile struct {
	name     string
	mimeType string
	url      string
}

func newImportCommand(deps Dependencies) *cobra.Command {
	var assumeYes bool

	cmd := &cobra.Command{
		Use:   "import METADATA_TSV",
		Short: "backfill display filenames from a headerless name/mime_type/url TSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(deps, args[0], assumeYes)
		},
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

func runImport(deps Dependencies, metadataPath string, assumeYes bool) error {
	deps.Logger.Info().Str("path", metadataPath).Msg("loading metadata")

	files, err := readDriveFileTSV(metadataPath)
	if err != nil {
		return fmt.Errorf("cli: read metadata file: %w", err)
	}

	if len(files) == 0 {
		deps.Logger.Warn().Msg("no valid entries found in the metadata file")
		return nil
	}

	deps.Logger.Info().Int("count", len(files)).Msg("found entries to import")
	if !assumeYes && !confirm("Continue?") {
		deps.Logger.Info().Msg("import cancelled")
		return nil
	}

	bar := pb.StartNew(len(files))
	defer bar.Finish()

	for start := 0; start < len(files); start += importBatchSize {
		end := min(start+importBatchSize, len(files))
		if err := importChunk(deps, files[start:end], bar); err != nil {
			return err
		}
	}

	deps.Logger.Info().Int("count", len(files)).Msg("import completed")
	return nil
}

func importChunk(deps Dependencies, chunk []driveFile, bar *pb.ProgressBar) error {
	tx, err := deps.Metadata.Begin()
	if err != nil {
		return fmt.Errorf("cli: begin transaction: %w", err)
	}

	for _, record := range chunk {
		if err := importRecord(deps, tx, record); err != nil {
			tx.Rollback()
			return err
		}
		bar.Increment()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cli: commit transaction: %w", err)
	}
	return nil
}

func importRecord(deps Dependencies, tx *sql.Tx, record driveFile) error {
	parsed, err := url.Parse(record.url)
	if err != nil {
		deps.Logger.Error().Err(err).Str("url", record.url).Msg("invalid url, skipping")
		return nil
	}

	filename, encodedFilename := normalizeFilename(record.name)

	if _, err := deps.Metadata.UpdateFilenameIfUnset(tx, parsed.Path, filename, encodedFilename, record.mimeType); err != nil {
		return fmt.Errorf("cli: update %q: %w", parsed.Path, err)
	}
	return nil
}

// normalizeFilename replaces every attr-char-hostile byte in name
// with "_". If the name needed normalizing, the original is also
// percent-encoded into encodedFilename for use as RFC 8187's
// filename*; otherwise encodedFilename is empty.
func normalizeFilename(name string) (filename, encodedFilename string) {
	if !filenameNormalizeRe.MatchString(name) {
		return name, ""
	}
	return filenameNormalizeRe.ReplaceAllString(name, "_"), url.QueryEscape(name)
}

func readDriveFileTSV(path string) ([]driveFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = '\t'
	reader.FieldsPerRecord = 3

	var files []driveFile
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse row: %w", err)
		}
		files = append(files, driveFile{name: record[0], mimeType: record[1], url: record[2]})
	}
	return files, nil
}
