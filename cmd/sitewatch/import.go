package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sitewatch/internal/api"
	"sitewatch/internal/storage"
)

// seedFile is the layout of an import file:
//
//	sites:
//	  - url: https://example.com/pricing
//	    selector: "#plans"
//	    check_interval_seconds: 300
type seedFile struct {
	Sites []seedSite `yaml:"sites"`
}

type seedSite struct {
	URL                  string  `yaml:"url"`
	Selector             *string `yaml:"selector"`
	CheckIntervalSeconds int64   `yaml:"check_interval_seconds"`
}

// importResult counts what happened to the entries of a seed file.
type importResult struct {
	Created    int
	Duplicates int
	Invalid    int
}

// NewImportCmd creates the import subcommand.
func NewImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Register sites from a YAML seed file",
		Long: `Registers every site listed in a YAML seed file. Sites that are already
tracked are reported and skipped; invalid entries are reported and make the
command exit with an error after the remaining entries are processed.`,
		Args: cobra.ExactArgs(1),
		RunE: runImport,
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	seeds, err := readSeedFile(args[0])
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := importSites(ctx, store, seeds, cmd.OutOrStdout(), logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d created, %d duplicate, %d invalid\n", res.Created, res.Duplicates, res.Invalid)
	if res.Invalid > 0 {
		return fmt.Errorf("%d invalid entries in %s", res.Invalid, args[0])
	}
	return nil
}

func readSeedFile(path string) ([]seedSite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seeds seedFile
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return seeds.Sites, nil
}

// importSites registers seeds in order. Duplicate and invalid entries are
// reported on out and skipped; only storage failures abort the import.
func importSites(ctx context.Context, store storage.Storer, seeds []seedSite, out io.Writer, logger logrus.FieldLogger) (importResult, error) {
	var res importResult
	for i, seed := range seeds {
		params, err := api.NormalizeSite(seed.URL, seed.Selector, seed.CheckIntervalSeconds)
		if err != nil {
			res.Invalid++
			fmt.Fprintf(out, "entry %d (%s): %v\n", i+1, seed.URL, err)
			continue
		}

		site, err := store.CreateSite(ctx, params)
		switch {
		case errors.Is(err, storage.ErrDuplicateURL):
			res.Duplicates++
			fmt.Fprintf(out, "skipped %s: already tracked\n", params.URL)
		case err != nil:
			return res, fmt.Errorf("create site %s: %w", params.URL, err)
		default:
			res.Created++
			logger.WithFields(logrus.Fields{"site_id": site.ID, "url": site.URL}).Info("site registered")
			fmt.Fprintf(out, "created site %d: %s\n", site.ID, site.URL)
		}
	}
	return res, nil
}
